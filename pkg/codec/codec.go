package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
)

var (
	ErrNotBase64      = errors.New("state is not valid base64")
	ErrMalformedState = errors.New("state is not a valid redirect state")

	ErrMalformedPayload = errors.New("payload is not a valid token response")
)

// DecodeError is returned when an inbound state value cannot be decoded
type DecodeError struct {
	// Kind is ErrNotBase64, ErrMalformedState or ErrMalformedPayload
	Kind  error
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *DecodeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// EncodeState serializes a redirect state the way a client application
// passes it to the authorization server.
// It refuses states DecodeState would reject.
func EncodeState(state types.RedirectState) (string, error) {
	state, err := validateState(state)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return encode(state)
}

// DecodeState is the inverse of EncodeState
func DecodeState(raw string) (types.RedirectState, error) {
	data, err := decodeBase64(raw)
	if err != nil {
		return types.RedirectState{}, &DecodeError{Kind: ErrNotBase64, Cause: err}
	}

	state, err := unmarshalState(data)
	if err != nil {
		return types.RedirectState{}, &DecodeError{Kind: ErrMalformedState, Cause: err}
	}
	return state, nil
}

// EncodeTokenSuccess serializes the payload appended to the redirect back URI
// after a successful exchange
func EncodeTokenSuccess(token types.ResponseToken) (string, error) {
	if token.Scope == nil {
		token.Scope = []string{}
	}
	return encode(token)
}

// EncodeTokenError serializes the payload appended to the redirect back URI
// after a failed exchange
func EncodeTokenError(tokenErr types.ResponseTokenError) (string, error) {
	return encode(tokenErr)
}

// DecodeTokenSuccess is the inverse of EncodeTokenSuccess
func DecodeTokenSuccess(raw string) (types.ResponseToken, error) {
	var token types.ResponseToken
	if err := decode(raw, &token); err != nil {
		return types.ResponseToken{}, err
	}
	if token.Token.Value == "" {
		return types.ResponseToken{}, &DecodeError{Kind: ErrMalformedPayload, Cause: errors.New("missing token")}
	}
	if token.Scope == nil {
		token.Scope = []string{}
	}
	return token, nil
}

// DecodeTokenError is the inverse of EncodeTokenError
func DecodeTokenError(raw string) (types.ResponseTokenError, error) {
	var tokenErr types.ResponseTokenError
	if err := decode(raw, &tokenErr); err != nil {
		return types.ResponseTokenError{}, err
	}
	if tokenErr.Err == "" {
		return types.ResponseTokenError{}, &DecodeError{Kind: ErrMalformedPayload, Cause: errors.New("missing err")}
	}
	return tokenErr, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decode(raw string, v any) error {
	data, err := decodeBase64(raw)
	if err != nil {
		return &DecodeError{Kind: ErrNotBase64, Cause: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Kind: ErrMalformedPayload, Cause: err}
	}
	return nil
}

// decodeBase64 accepts the standard and the URL-safe alphabet, with or
// without padding. A '+' that went through query unescaping arrives as a
// space and is restored first.
func decodeBase64(raw string) ([]byte, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, " ", "+"))
	if raw == "" {
		return nil, errors.New("empty input")
	}

	enc := base64.StdEncoding
	if strings.ContainsAny(raw, "-_") {
		enc = base64.URLEncoding
	}
	if !strings.HasSuffix(raw, "=") && len(raw)%4 != 0 {
		enc = enc.WithPadding(base64.NoPadding)
	}
	return enc.Strict().DecodeString(raw)
}

func unmarshalState(data []byte) (types.RedirectState, error) {
	var state types.RedirectState
	if err := json.Unmarshal(data, &state); err != nil {
		return types.RedirectState{}, err
	}
	return validateState(state)
}

func validateState(state types.RedirectState) (types.RedirectState, error) {
	var missing []string
	if state.ClientID == "" {
		missing = append(missing, "clientId")
	}
	if state.TokenURI == "" {
		missing = append(missing, "tokenUri")
	}
	if state.RedirectURI == "" {
		missing = append(missing, "redirectUri")
	}
	if state.RedirectBackURI == "" {
		missing = append(missing, "redirectBackUri")
	}
	if len(missing) > 0 {
		return types.RedirectState{}, fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}

	if state.Scope == nil {
		state.Scope = []string{}
	}
	return state, nil
}
