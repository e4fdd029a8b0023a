package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/codec"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/config"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/exchange"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/handlerutils"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/instrumentation"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/policy"
	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"github.com/google/uuid"
)

const MissingCodeOrState = "Bad request, missing code/state"

type ConfigSource interface {
	Current() *config.Snapshot
}

type Exchanger interface {
	Exchange(ctx context.Context, req exchange.TokenRequest) (types.ResponseToken, error)
}

// Recorder persists an audit entry per token exchange
type Recorder interface {
	RecordExchange(record *types.ExchangeRecord) error
}

type Handler struct {
	config    ConfigSource
	exchanger Exchanger
	audit     Recorder
	metrics   *instrumentation.Metrics
}

// NewHandler returns the handler the authorization server redirects the
// browser to. audit and metrics may be nil.
func NewHandler(config ConfigSource, exchanger Exchanger, audit Recorder, metrics *instrumentation.Metrics) http.Handler {
	return &Handler{
		config:    config,
		exchanger: exchanger,
		audit:     audit,
		metrics:   metrics,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Every step below works on this one snapshot, even if a reload
	// commits while the exchange is in flight.
	snapshot := h.config.Current()
	if snapshot == nil {
		http.Error(w, "Service unavailable, no configuration loaded", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	codes, states := query["code"], query["state"]

	if len(codes) == 0 && len(states) == 1 && len(query["error"]) == 1 {
		h.handleAuthorizationError(w, r, snapshot, states[0], query.Get("error"), query.Get("error_description"))
		return
	}

	if len(codes) != 1 || len(states) != 1 {
		h.reject(w, r, MissingCodeOrState)
		return
	}

	state, cfg, ok := h.authorize(w, r, snapshot, states[0])
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), snapshot.Local.ExchangeTimeout())
	defer cancel()

	start := time.Now()
	token, err := h.exchanger.Exchange(ctx, exchange.BuildRequest(cfg, state, codes[0]))
	duration := time.Since(start)

	var (
		payload       string
		outcome       string
		recordOutcome string
		errText       string
	)
	if err != nil {
		log.Printf("Token exchange for client %s failed: %v", cfg.Key(), err)
		outcome = instrumentation.OutcomeExchangeError
		recordOutcome = types.OutcomeExchangeError
		errText = err.Error()
		payload, err = codec.EncodeTokenError(types.ResponseTokenError{
			Err:   errText,
			State: state.State,
		})
	} else {
		outcome = instrumentation.OutcomeSuccess
		recordOutcome = types.OutcomeSuccess
		token.State = state.State
		payload, err = codec.EncodeTokenSuccess(token)
	}
	if err != nil {
		log.Printf("Failed to encode redirect payload: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordExchange(r.Context(), duration, outcome)
	h.metrics.RecordRequest(r.Context(), outcome)
	h.record(r, cfg, state, recordOutcome, errText, duration)

	http.Redirect(w, r, redirectBackURL(state.RedirectBackURI, payload), http.StatusFound)
}

// authorize decodes the state and checks it against the snapshot. It writes
// the rejection itself and returns false when the request cannot proceed.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, snapshot *config.Snapshot, rawState string) (types.RedirectState, types.RemoteClientConfig, bool) {
	state, err := decodeState(snapshot.Local, rawState)
	if err != nil {
		h.reject(w, r, describeDecodeError(err))
		return types.RedirectState{}, types.RemoteClientConfig{}, false
	}

	cfg, err := policy.Resolve(state.ClientID, state.TokenURI, snapshot.Index)
	if err == nil {
		err = policy.Authorize(cfg, state.RedirectBackURI)
	}
	if err != nil {
		h.reject(w, r, "Bad request, "+err.Error())
		return types.RedirectState{}, types.RemoteClientConfig{}, false
	}

	return state, cfg, true
}

// handleAuthorizationError forwards an error the authorization server
// reported instead of a code. The state must still pass authorization, so
// the redirect cannot be pointed at an arbitrary host.
func (h *Handler) handleAuthorizationError(w http.ResponseWriter, r *http.Request, snapshot *config.Snapshot, rawState, errorCode, errorDescription string) {
	state, cfg, ok := h.authorize(w, r, snapshot, rawState)
	if !ok {
		return
	}

	description := errorCode
	if errorDescription != "" {
		description += ": " + errorDescription
	}
	log.Printf("Authorization server returned %q for client %s", errorCode, cfg.Key())

	payload, err := codec.EncodeTokenError(types.ResponseTokenError{
		Err:   description,
		State: state.State,
	})
	if err != nil {
		log.Printf("Failed to encode redirect payload: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordRequest(r.Context(), instrumentation.OutcomeAuthorizationError)
	http.Redirect(w, r, redirectBackURL(state.RedirectBackURI, payload), http.StatusFound)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, reason string) {
	log.Printf("Rejected redirect from %s: %s", handlerutils.GetClientIP(r), reason)
	h.metrics.RecordRequest(r.Context(), instrumentation.OutcomeRejected)
	http.Error(w, reason, http.StatusBadRequest)
}

func (h *Handler) record(r *http.Request, cfg types.RemoteClientConfig, state types.RedirectState, outcome, errText string, duration time.Duration) {
	if h.audit == nil {
		return
	}

	var host string
	if u, err := url.Parse(state.RedirectBackURI); err == nil {
		host = u.Hostname()
	}

	record := &types.ExchangeRecord{
		ID:               uuid.NewString(),
		ClientID:         cfg.ClientID,
		TokenURI:         cfg.TokenURI,
		RedirectBackHost: host,
		Scope:            types.StringSlice(state.Scope),
		Outcome:          outcome,
		Error:            errText,
		DurationMillis:   duration.Milliseconds(),
		ClientIP:         handlerutils.GetClientIP(r),
		CreatedAt:        time.Now(),
	}
	if err := h.audit.RecordExchange(record); err != nil {
		log.Printf("Failed to record exchange audit entry: %v", err)
	}
}

func decodeState(local types.LocalServerConfig, raw string) (types.RedirectState, error) {
	if local.StateSigningKey == "" {
		return codec.DecodeState(raw)
	}

	signer, err := codec.NewSigner([]byte(local.StateSigningKey))
	if err != nil {
		return types.RedirectState{}, err
	}
	return signer.Verify(raw)
}

func describeDecodeError(err error) string {
	switch {
	case errors.Is(err, codec.ErrNotBase64):
		return "Bad request, state is not valid base64"
	case errors.Is(err, codec.ErrMalformedState):
		var decodeErr *codec.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.Cause != nil {
			return fmt.Sprintf("Bad request, malformed state: %v", decodeErr.Cause)
		}
		return "Bad request, malformed state"
	default:
		return "Bad request, " + err.Error()
	}
}

// redirectBackURL appends the payload as the fragment, replacing any
// fragment the client put on its redirect back URI
func redirectBackURL(redirectBackURI, payload string) string {
	if i := strings.IndexByte(redirectBackURI, '#'); i >= 0 {
		redirectBackURI = redirectBackURI[:i]
	}
	return redirectBackURI + "#" + payload
}
