package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"golang.org/x/oauth2"
)

var (
	ErrNetwork     = errors.New("token endpoint unreachable")
	ErrBadResponse = errors.New("token endpoint rejected the exchange")
	ErrTimeout     = errors.New("token endpoint timed out")
)

// ExchangeError describes a failed token exchange. Exchanges are never
// retried; the description ends up in the payload sent to the client.
type ExchangeError struct {
	// Kind is ErrNetwork, ErrBadResponse or ErrTimeout
	Kind        error
	Description string
	Cause       error
}

func (e *ExchangeError) Error() string {
	return e.Description
}

func (e *ExchangeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// TokenRequest is everything needed to call a token endpoint with the
// authorization code grant
type TokenRequest struct {
	TokenURI     string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	Scope        []string
	Header       http.Header
}

// BuildRequest builds the token request for a redirect. The endpoint and the
// secret come from the server-side configuration; tokenUri is part of the
// lookup key so it always matches the state. The client's own state is not
// forwarded, the relay already holds it.
func BuildRequest(cfg types.RemoteClientConfig, state types.RedirectState, code string) TokenRequest {
	header := http.Header{}
	// some servers answer form-encoded unless asked for JSON
	header.Set("Accept", "application/json")

	return TokenRequest{
		TokenURI:     cfg.TokenURI,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Code:         code,
		RedirectURI:  state.RedirectURI,
		Scope:        append([]string(nil), state.Scope...),
		Header:       header,
	}
}

// Exchanger performs token exchanges against remote token endpoints
type Exchanger struct {
	httpClient *http.Client
}

// NewExchanger creates an Exchanger. A nil client uses a client with the
// default transport and no timeout of its own; callers bound each exchange
// through the context.
func NewExchanger(httpClient *http.Client) *Exchanger {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Exchanger{httpClient: httpClient}
}

// Exchange posts the authorization code to the token endpoint and converts
// the response. It blocks until the endpoint answers or ctx is done.
func (e *Exchanger) Exchange(ctx context.Context, req TokenRequest) (types.ResponseToken, error) {
	conf := &oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURL:  req.RedirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  req.TokenURI,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	var opts []oauth2.AuthCodeOption
	if len(req.Scope) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("scope", strings.Join(req.Scope, " ")))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.clientWithHeader(req.Header))

	token, err := conf.Exchange(ctx, req.Code, opts...)
	if err != nil {
		return types.ResponseToken{}, classify(ctx, err)
	}

	return convertToken(token), nil
}

func (e *Exchanger) clientWithHeader(header http.Header) *http.Client {
	if len(header) == 0 {
		return e.httpClient
	}

	base := e.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client := *e.httpClient
	client.Transport = &headerTransport{base: base, header: header}
	return &client
}

type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for key, values := range t.header {
		r.Header[key] = values
	}
	return t.base.RoundTrip(r)
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExchangeError{Kind: ErrTimeout, Description: "timed out waiting for the token endpoint", Cause: err}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &ExchangeError{Kind: ErrBadResponse, Description: describeRetrieveError(retrieveErr), Cause: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &ExchangeError{Kind: ErrNetwork, Description: fmt.Sprintf("failed to reach the token endpoint: %v", urlErr.Err), Cause: err}
	}

	return &ExchangeError{Kind: ErrBadResponse, Description: err.Error(), Cause: err}
}

func describeRetrieveError(err *oauth2.RetrieveError) string {
	if err.ErrorCode != "" {
		if err.ErrorDescription != "" {
			return err.ErrorCode + ": " + err.ErrorDescription
		}
		return err.ErrorCode
	}
	if err.Response != nil {
		return fmt.Sprintf("token endpoint returned %s", err.Response.Status)
	}
	return "token endpoint returned an error"
}

func convertToken(token *oauth2.Token) types.ResponseToken {
	resp := types.ResponseToken{
		Token: types.Token{Type: token.Type(), Value: token.AccessToken},
		Scope: parseScope(token.Extra("scope")),
	}
	if expiresIn, ok := parseExpiresIn(token.Extra("expires_in")); ok {
		resp.ExpiresIn = &expiresIn
	}
	if token.RefreshToken != "" {
		resp.RefreshToken = &types.Token{Type: token.Type(), Value: token.RefreshToken}
	}
	return resp
}

// parseScope accepts space separated scopes as well as the comma separated
// form some providers return
func parseScope(v any) []string {
	s, _ := v.(string)
	scopes := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if scopes == nil {
		return []string{}
	}
	return scopes
}

func parseExpiresIn(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), n > 0
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil && i > 0
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil && i > 0
	}
	return 0, false
}
