package config

import (
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

var ErrParseFailure = errors.New("failed to parse configuration")

// ConfigError is returned when a configuration document cannot be used. The
// previously committed snapshot stays active.
type ConfigError struct {
	Kind  error
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *ConfigError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

func parseFailure(format string, args ...any) error {
	return &ConfigError{Kind: ErrParseFailure, Cause: fmt.Errorf(format, args...)}
}

// document mirrors the JSON configuration file
type document struct {
	Local struct {
		HTTPPort           int    `json:"httpPort"`
		ConfigSamplePeriod int    `json:"configSamplePeriod"`
		ExchangeTimeout    int    `json:"exchangeTimeout"`
		StateSigningKey    string `json:"stateSigningKey"`
	} `json:"local"`
	Remote []struct {
		TokenURI          string   `json:"tokenUri"`
		ClientID          string   `json:"clientId"`
		ClientSecret      string   `json:"clientSecret"`
		RedirectBackHosts []string `json:"redirectBackHosts"`
	} `json:"remote"`
}

// Snapshot is an immutable view of one successfully parsed configuration
type Snapshot struct {
	Local types.LocalServerConfig
	Index types.ConfigIndex
	// Clients keeps the configured order, including shadowed duplicates
	Clients []types.RemoteClientConfig
	// Duplicates lists keys that appeared more than once; the last entry won
	Duplicates []types.ClientKey
	Raw        string
	LoadedAt   time.Time
}

// Parse builds a snapshot from the raw JSON configuration text
func Parse(raw string) (*Snapshot, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(raw)), json.Parser()); err != nil {
		return nil, parseFailure("invalid JSON: %w", err)
	}

	var doc document
	if err := k.UnmarshalWithConf("", &doc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, parseFailure("unexpected configuration layout: %w", err)
	}

	local := types.LocalServerConfig{
		HTTPPort:                  doc.Local.HTTPPort,
		ConfigSamplePeriodSeconds: doc.Local.ConfigSamplePeriod,
		ExchangeTimeoutSeconds:    doc.Local.ExchangeTimeout,
		StateSigningKey:           doc.Local.StateSigningKey,
	}
	if local.HTTPPort == 0 {
		local.HTTPPort = types.DefaultHTTPPort
	}
	if local.HTTPPort < 0 || local.HTTPPort > 65535 {
		return nil, parseFailure("invalid httpPort %d", local.HTTPPort)
	}
	if local.StateSigningKey != "" && len(local.StateSigningKey) < 32 {
		return nil, parseFailure("stateSigningKey must be at least 32 bytes")
	}

	snapshot := &Snapshot{
		Local:    local,
		Index:    make(types.ConfigIndex, len(doc.Remote)),
		Clients:  make([]types.RemoteClientConfig, 0, len(doc.Remote)),
		Raw:      raw,
		LoadedAt: time.Now(),
	}

	for i, remote := range doc.Remote {
		if remote.ClientID == "" {
			return nil, parseFailure("remote[%d]: clientId is required", i)
		}
		if u, err := url.Parse(remote.TokenURI); err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return nil, parseFailure("remote[%d]: invalid tokenUri %q", i, remote.TokenURI)
		}

		hosts := make([]types.RedirectBackHost, 0, len(remote.RedirectBackHosts))
		for _, h := range remote.RedirectBackHosts {
			host, err := types.ParseRedirectBackHost(h)
			if err != nil {
				return nil, parseFailure("remote[%d]: %w", i, err)
			}
			hosts = append(hosts, host)
		}

		client := types.RemoteClientConfig{
			ClientID:          remote.ClientID,
			TokenURI:          remote.TokenURI,
			ClientSecret:      remote.ClientSecret,
			RedirectBackHosts: hosts,
		}
		if _, exists := snapshot.Index[client.Key()]; exists {
			snapshot.Duplicates = append(snapshot.Duplicates, client.Key())
		}
		snapshot.Index[client.Key()] = client
		snapshot.Clients = append(snapshot.Clients, client)
	}

	return snapshot, nil
}

// Store holds the currently visible configuration snapshot. Readers never
// block; a commit is a single pointer swap.
type Store struct {
	current atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	return &Store{}
}

// Current returns the committed snapshot, nil before the first commit
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

func (s *Store) CurrentLocal() types.LocalServerConfig {
	if snapshot := s.Current(); snapshot != nil {
		return snapshot.Local
	}
	return types.LocalServerConfig{}
}

func (s *Store) CurrentIndex() types.ConfigIndex {
	if snapshot := s.Current(); snapshot != nil {
		return snapshot.Index
	}
	return types.ConfigIndex{}
}

// Reload parses raw without committing it. It returns nil, nil when raw is
// identical to the committed configuration.
func (s *Store) Reload(raw string) (*Snapshot, error) {
	if current := s.Current(); current != nil && current.Raw == raw {
		return nil, nil
	}
	return Parse(raw)
}

// Commit makes snapshot visible to all subsequent readers
func (s *Store) Commit(snapshot *Snapshot) {
	if snapshot == nil {
		return
	}
	s.current.Store(snapshot)
}
