package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/codec"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"github.com/spf13/cobra"
)

// EncodeState prints the state value a client application passes to the
// authorization server
type EncodeState struct {
	ClientID        string `name:"client-id" usage:"Client ID registered with the authorization server"`
	TokenURI        string `name:"token-uri" usage:"Token endpoint of the authorization server"`
	RedirectURI     string `name:"redirect-uri" usage:"Redirect URI registered with the authorization server, pointing at this relay"`
	RedirectBackURI string `name:"redirect-back-uri" usage:"URI of the client application to return the token to"`
	Scope           string `name:"scope" usage:"Comma-separated list of scopes"`
	State           string `name:"state" usage:"Opaque state echoed back to the client application"`

	SigningKey string `name:"signing-key" env:"STATE_SIGNING_KEY" usage:"Key matching local.stateSigningKey; produces a signed state"`
	TTL        string `name:"ttl" usage:"Lifetime of a signed state, e.g. 10m. Empty means no expiry"`
}

func (e *EncodeState) Customize(cobraCmd *cobra.Command) {
	cobraCmd.Use = "encode-state"
	cobraCmd.Short = "Print an encoded redirect state"
	cobraCmd.Args = cobra.NoArgs
}

func (e *EncodeState) Run(cobraCmd *cobra.Command, args []string) error {
	encoded, err := e.encode()
	if err != nil {
		return err
	}
	fmt.Fprintln(cobraCmd.OutOrStdout(), encoded)
	return nil
}

func (e *EncodeState) encode() (string, error) {
	state := types.RedirectState{
		ClientID:        e.ClientID,
		TokenURI:        e.TokenURI,
		RedirectURI:     e.RedirectURI,
		RedirectBackURI: e.RedirectBackURI,
		Scope:           splitScope(e.Scope),
	}
	if e.State != "" {
		state.State = &e.State
	}

	var missing []string
	for _, required := range []struct{ flag, value string }{
		{"client-id", state.ClientID},
		{"token-uri", state.TokenURI},
		{"redirect-uri", state.RedirectURI},
		{"redirect-back-uri", state.RedirectBackURI},
	} {
		if required.value == "" {
			missing = append(missing, required.flag)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}

	if e.SigningKey == "" {
		if e.TTL != "" {
			return "", fmt.Errorf("ttl requires a signing key")
		}
		return codec.EncodeState(state)
	}

	var ttl time.Duration
	if e.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(e.TTL); err != nil {
			return "", fmt.Errorf("invalid ttl %q: %w", e.TTL, err)
		}
	}

	signer, err := codec.NewSigner([]byte(e.SigningKey))
	if err != nil {
		return "", err
	}
	return signer.Sign(state, ttl)
}

func splitScope(s string) []string {
	scopes := []string{}
	for _, scope := range strings.Split(s, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
