package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"github.com/golang-jwt/jwt/v5"
)

// StateClaims carries a redirect state inside a signed JWT
type StateClaims struct {
	State types.RedirectState `json:"rs"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HMAC-signed redirect states. Relays configured
// with a signing key only accept states produced by a Signer holding the
// same key.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer for the given HMAC key
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("state signing key must be at least 32 bytes, got %d", len(key))
	}
	return &Signer{key: key}, nil
}

// Sign returns the signed form of state. A positive ttl bounds how long the
// state is accepted.
func (s *Signer) Sign(state types.RedirectState, ttl time.Duration) (string, error) {
	state, err := validateState(state)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedState, err)
	}

	now := time.Now()
	claims := StateClaims{
		State: state,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  state.ClientID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of a signed state and returns the
// redirect state it carries
func (s *Signer) Verify(raw string) (types.RedirectState, error) {
	segments := strings.Split(strings.TrimSpace(raw), ".")
	if len(segments) != 3 {
		return types.RedirectState{}, &DecodeError{Kind: ErrMalformedState, Cause: errors.New("state is not signed")}
	}
	for _, segment := range segments {
		if _, err := base64.RawURLEncoding.DecodeString(segment); err != nil {
			return types.RedirectState{}, &DecodeError{Kind: ErrNotBase64, Cause: err}
		}
	}

	token, err := jwt.ParseWithClaims(raw, &StateClaims{}, func(token *jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return types.RedirectState{}, &DecodeError{Kind: ErrMalformedState, Cause: err}
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return types.RedirectState{}, &DecodeError{Kind: ErrMalformedState, Cause: errors.New("invalid state claims")}
	}

	state, err := validateState(claims.State)
	if err != nil {
		return types.RedirectState{}, &DecodeError{Kind: ErrMalformedState, Cause: err}
	}
	return state, nil
}
