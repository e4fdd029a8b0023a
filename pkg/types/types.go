package types

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ClientKey identifies a remote client configuration. The token URI is part
// of the key so a state can never pick a secret meant for another endpoint.
type ClientKey struct {
	ClientID string
	TokenURI string
}

func (k ClientKey) String() string {
	return k.ClientID + "@" + k.TokenURI
}

// RedirectBackHost is an allow-listed host a client may be redirected to
type RedirectBackHost struct {
	Host string `json:"host"`
	SSL  bool   `json:"ssl"`
}

// ParseRedirectBackHost parses a bare host name or a URL. Only an explicit
// https scheme marks the host as SSL-only.
func ParseRedirectBackHost(raw string) (RedirectBackHost, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RedirectBackHost{}, fmt.Errorf("empty redirect back host")
	}

	candidate := raw
	if !strings.Contains(raw, "://") {
		candidate = "//" + raw
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return RedirectBackHost{}, fmt.Errorf("invalid redirect back host %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return RedirectBackHost{}, fmt.Errorf("invalid redirect back host %q: missing host", raw)
	}

	return RedirectBackHost{
		Host: u.Hostname(),
		SSL:  strings.EqualFold(u.Scheme, "https"),
	}, nil
}

// RemoteClientConfig is the server-side configuration of one client application
type RemoteClientConfig struct {
	ClientID          string
	TokenURI          string
	ClientSecret      string
	RedirectBackHosts []RedirectBackHost
}

// Key returns the lookup key of the configuration
func (c RemoteClientConfig) Key() ClientKey {
	return ClientKey{ClientID: c.ClientID, TokenURI: c.TokenURI}
}

// ConfigIndex maps client keys to their configuration. An index is built once
// per reload and treated as read-only afterwards.
type ConfigIndex map[ClientKey]RemoteClientConfig

// LocalServerConfig holds the relay's own settings
type LocalServerConfig struct {
	HTTPPort                  int
	ConfigSamplePeriodSeconds int
	ExchangeTimeoutSeconds    int
	StateSigningKey           string
}

// ConfigSamplePeriod returns the periodic reload interval, zero when disabled
func (l LocalServerConfig) ConfigSamplePeriod() time.Duration {
	if l.ConfigSamplePeriodSeconds <= 0 {
		return 0
	}
	return time.Duration(l.ConfigSamplePeriodSeconds) * time.Second
}

// ExchangeTimeout returns the bound on a single token exchange
func (l LocalServerConfig) ExchangeTimeout() time.Duration {
	if l.ExchangeTimeoutSeconds <= 0 {
		return DefaultExchangeTimeout
	}
	return time.Duration(l.ExchangeTimeoutSeconds) * time.Second
}

const (
	DefaultHTTPPort        = 8080
	DefaultExchangeTimeout = 30 * time.Second
)

// RedirectState is the opaque value the client application passes through
// the authorization server in the state query parameter. ClientID, TokenURI,
// RedirectURI and RedirectBackURI must be non-empty.
type RedirectState struct {
	ClientID        string   `json:"clientId"`
	TokenURI        string   `json:"tokenUri"`
	RedirectURI     string   `json:"redirectUri"`
	Scope           []string `json:"scope"`
	RedirectBackURI string   `json:"redirectBackUri"`
	State           *string  `json:"state,omitempty"`
}

// Token is an access or refresh token with its type. On the wire it is the
// Authorization header form, e.g. "Bearer abc".
type Token struct {
	Type  string
	Value string
}

const DefaultTokenType = "Bearer"

func (t Token) String() string {
	typ := t.Type
	if typ == "" {
		typ = DefaultTokenType
	}
	return typ + " " + t.Value
}

// ParseToken parses the "<type> <value>" form. A value without a type is
// treated as a bearer token.
func ParseToken(s string) (Token, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Token{}, fmt.Errorf("empty token")
	}
	typ, value, found := strings.Cut(s, " ")
	if !found {
		return Token{Type: DefaultTokenType, Value: s}, nil
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Token{}, fmt.Errorf("token %q has no value", s)
	}
	if strings.EqualFold(typ, DefaultTokenType) {
		typ = DefaultTokenType
	}
	return Token{Type: typ, Value: value}, nil
}

func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Token) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseToken(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ResponseToken is the payload handed to the client application after a
// successful exchange
type ResponseToken struct {
	Token        Token    `json:"token"`
	ExpiresIn    *int     `json:"expiresIn,omitempty"`
	RefreshToken *Token   `json:"refreshToken,omitempty"`
	Scope        []string `json:"scope"`
	State        *string  `json:"state,omitempty"`
}

// ResponseTokenError is the payload handed to the client application when the
// exchange failed
type ResponseTokenError struct {
	Err   string  `json:"err"`
	State *string `json:"state,omitempty"`
}

// HealthStatus is returned by the health endpoint
type HealthStatus struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// Config is the process configuration assembled from flags and environment
type Config struct {
	ConfigFile   string
	CallbackPath string
	DatabaseDSN  string
}
