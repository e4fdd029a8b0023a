package policy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
)

var (
	ErrUnknownClient = errors.New("unknown client")
	ErrUnknownHost   = errors.New("redirect back host is not allowed")
	ErrSSLRequired   = errors.New("redirect back host requires https")
)

// AuthError explains why a redirect state was refused. The message is meant
// for the client developer and never contains secrets.
type AuthError struct {
	// Kind is ErrUnknownClient, ErrUnknownHost or ErrSSLRequired
	Kind   error
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *AuthError) Unwrap() error {
	return e.Kind
}

// Resolve looks up the configuration registered for the client and token
// endpoint named in a redirect state
func Resolve(clientID, tokenURI string, index types.ConfigIndex) (types.RemoteClientConfig, error) {
	cfg, ok := index[types.ClientKey{ClientID: clientID, TokenURI: tokenURI}]
	if !ok {
		return types.RemoteClientConfig{}, &AuthError{
			Kind:   ErrUnknownClient,
			Detail: fmt.Sprintf("no client %q is configured for token endpoint %q", clientID, tokenURI),
		}
	}
	return cfg, nil
}

// Authorize checks redirectBackURI against the hosts the client may be
// redirected to. It is the only check standing between a freshly issued token
// and an attacker-chosen host.
func Authorize(cfg types.RemoteClientConfig, redirectBackURI string) error {
	u, err := url.Parse(redirectBackURI)
	if err != nil {
		return &AuthError{Kind: ErrUnknownHost, Detail: fmt.Sprintf("invalid redirect back URI %q", redirectBackURI)}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" || u.Hostname() == "" {
		return &AuthError{Kind: ErrUnknownHost, Detail: fmt.Sprintf("redirect back URI %q is not an absolute http(s) URL", redirectBackURI)}
	}
	if u.User != nil {
		return &AuthError{Kind: ErrUnknownHost, Detail: fmt.Sprintf("redirect back URI %q must not carry user info", redirectBackURI)}
	}

	host := u.Hostname()
	for _, allowed := range cfg.RedirectBackHosts {
		if allowed.Host != host {
			continue
		}
		if allowed.SSL && scheme != "https" {
			return &AuthError{Kind: ErrSSLRequired, Detail: fmt.Sprintf("host %q only accepts https redirects", host)}
		}
		return nil
	}

	return &AuthError{Kind: ErrUnknownHost, Detail: fmt.Sprintf("host %q is not allowed for client %q", host, cfg.ClientID)}
}
