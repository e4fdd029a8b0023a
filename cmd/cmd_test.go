package cmd

import (
	"strings"
	"testing"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func newEncodeState() *EncodeState {
	return &EncodeState{
		ClientID:        "foo",
		TokenURI:        "https://api.example.com/oauth/token",
		RedirectURI:     "https://relay.example.com/",
		RedirectBackURI: "https://app.example.com",
		Scope:           "read, write",
		State:           "xyz",
	}
}

func TestEncodeStateUnsigned(t *testing.T) {
	encoded, err := newEncodeState().encode()
	require.NoError(t, err)

	state, err := codec.DecodeState(encoded)
	require.NoError(t, err)
	assert.Equal(t, "foo", state.ClientID)
	assert.Equal(t, "https://api.example.com/oauth/token", state.TokenURI)
	assert.Equal(t, "https://relay.example.com/", state.RedirectURI)
	assert.Equal(t, "https://app.example.com", state.RedirectBackURI)
	assert.Equal(t, []string{"read", "write"}, state.Scope)
	require.NotNil(t, state.State)
	assert.Equal(t, "xyz", *state.State)
}

func TestEncodeStateWithoutClientState(t *testing.T) {
	e := newEncodeState()
	e.State = ""
	e.Scope = ""

	encoded, err := e.encode()
	require.NoError(t, err)

	state, err := codec.DecodeState(encoded)
	require.NoError(t, err)
	assert.Nil(t, state.State)
	assert.Equal(t, []string{}, state.Scope)
}

func TestEncodeStateSigned(t *testing.T) {
	e := newEncodeState()
	e.SigningKey = testSigningKey
	e.TTL = "10m"

	encoded, err := e.encode()
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(encoded, "."))

	signer, err := codec.NewSigner([]byte(testSigningKey))
	require.NoError(t, err)
	state, err := signer.Verify(encoded)
	require.NoError(t, err)
	assert.Equal(t, "foo", state.ClientID)

	_, err = codec.DecodeState(encoded)
	assert.Error(t, err)
}

func TestEncodeStateErrors(t *testing.T) {
	t.Run("MissingFlags", func(t *testing.T) {
		_, err := (&EncodeState{ClientID: "foo"}).encode()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "token-uri, redirect-uri, redirect-back-uri")
	})

	t.Run("TTLWithoutKey", func(t *testing.T) {
		e := newEncodeState()
		e.TTL = "10m"
		_, err := e.encode()
		assert.Error(t, err)
	})

	t.Run("InvalidTTL", func(t *testing.T) {
		e := newEncodeState()
		e.SigningKey = testSigningKey
		e.TTL = "soon"
		_, err := e.encode()
		assert.Error(t, err)
	})

	t.Run("ShortKey", func(t *testing.T) {
		e := newEncodeState()
		e.SigningKey = "short"
		_, err := e.encode()
		assert.Error(t, err)
	})
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name    string
		cmd     RootCmd
		wantErr bool
	}{
		{"Valid", RootCmd{ConfigFile: "config.json", CallbackPath: "/"}, false},
		{"ValidWithPort", RootCmd{ConfigFile: "config.json", CallbackPath: "/cb", Port: "9000"}, false},
		{"MissingConfig", RootCmd{CallbackPath: "/"}, true},
		{"InvalidPort", RootCmd{ConfigFile: "config.json", CallbackPath: "/", Port: "http"}, true},
		{"PortOutOfRange", RootCmd{ConfigFile: "config.json", CallbackPath: "/", Port: "70000"}, true},
		{"RelativeCallbackPath", RootCmd{ConfigFile: "config.json", CallbackPath: "cb"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cmd.validateConfig()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitScope(t *testing.T) {
	assert.Equal(t, []string{}, splitScope(""))
	assert.Equal(t, []string{"a", "b"}, splitScope("a,,b, "))
}
