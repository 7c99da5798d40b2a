// Package bridge turns the identity provider's browser callback into a
// conversation event and renders the page the user sees afterwards.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/log"
)

// DefaultTimeout bounds how long a callback waits for the resumed turn.
const DefaultTimeout = 30 * time.Second

// StateDecoder recovers the suspended conversation from the state parameter.
type StateDecoder interface {
	DecodeState(token string) (conversation.SessionState, error)
}

// Recorder counts callbacks by outcome.
type Recorder interface {
	RecordCallback(ctx context.Context, outcome string)
}

// PageKind identifies which page was rendered.
type PageKind int

const (
	PageError PageKind = iota
	PageClose
	PageSecurityKey
)

func (k PageKind) String() string {
	switch k {
	case PageClose:
		return "close"
	case PageSecurityKey:
		return "security_key"
	default:
		return "error"
	}
}

// Page is the HTML response to a callback.
type Page struct {
	Status int
	Kind   PageKind
	Body   string
}

func errorPage(status int) Page {
	return Page{Status: status, Kind: PageError, Body: render(errorPageTemplate, nil)}
}

func closePage() Page {
	return Page{Status: http.StatusOK, Kind: PageClose, Body: render(closePageTemplate, nil)}
}

func keyPage(key string) Page {
	return Page{
		Status: http.StatusOK,
		Kind:   PageSecurityKey,
		Body:   render(keyPageTemplate, keyPageData{SecurityKey: key}),
	}
}

// Handler serves the login redirect target.
type Handler struct {
	decoder  StateDecoder
	resumer  conversation.Resumer
	recorder Recorder
	timeout  time.Duration
	baseURL  string
}

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithRecorder sets the callback metrics sink.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) {
		h.recorder = r
	}
}

// WithBaseURL sets the externally visible scheme and host. The request URI
// handed to the login dialog is built from it so that the code exchange
// uses the same redirect_uri as the login link.
func WithBaseURL(baseURL string) Option {
	return func(h *Handler) {
		h.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

func NewHandler(decoder StateDecoder, resumer conversation.Resumer, opts ...Option) *Handler {
	h := &Handler{
		decoder: decoder,
		resumer: resumer,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP accepts the form_post callback. GET query parameters are
// accepted as well; session_state is ignored.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		log.LogWarnWithFields("bridge", "Failed to parse callback form", map[string]any{
			"error": err.Error(),
		})
		writePage(w, errorPage(http.StatusBadRequest))
		return
	}

	page := h.Handle(r.Context(),
		h.requestURI(r),
		r.Form.Get("state"),
		r.Form.Get("code"),
		r.Form.Get("error"),
		r.Form.Get("error_description"),
	)
	writePage(w, page)
}

func (h *Handler) requestURI(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func writePage(w http.ResponseWriter, page Page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(page.Status)
	_, _ = w.Write([]byte(page.Body))
}

// Handle resumes the conversation named by state and waits for the resumed
// turn to report how the login went.
func (h *Handler) Handle(ctx context.Context, requestURI, state, code, errorCode, errorDescription string) Page {
	session, err := h.decoder.DecodeState(state)
	if err != nil {
		log.LogWarnWithFields("bridge", "Rejected callback state", map[string]any{
			"error": err.Error(),
		})
		h.record(ctx, "invalid_state")
		return errorPage(http.StatusBadRequest)
	}

	callback := conversation.AuthorizationCallback{
		State:            session,
		RequestURI:       requestURI,
		Code:             code,
		Error:            errorCode,
		ErrorDescription: errorDescription,
	}
	ref := session.Conversation

	outcomes := make(chan conversation.Outcome, 1)
	var once sync.Once
	done := func(o conversation.Outcome) {
		once.Do(func() { outcomes <- o })
	}

	resumed := make(chan error, 1)
	// The turn keeps running if the browser goes away.
	turnCtx := context.WithoutCancel(ctx)
	go func() {
		resumed <- h.resumer.Resume(turnCtx, ref, conversation.CallbackEvent{Callback: callback, Done: done})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var outcome conversation.Outcome
	select {
	case outcome = <-outcomes:
	case err := <-resumed:
		select {
		case outcome = <-outcomes:
		default:
			if err == nil {
				err = errors.New("turn completed without reporting an outcome")
			}
			log.LogErrorWithFields("bridge", "Failed to resume conversation", map[string]any{
				"conversation": ref.Key(),
				"error":        err.Error(),
			})
			h.record(ctx, "resume_failed")
			return errorPage(http.StatusInternalServerError)
		}
	case <-waitCtx.Done():
		log.LogErrorWithFields("bridge", "Timed out waiting for resumed conversation", map[string]any{
			"conversation": ref.Key(),
			"timeout":      h.timeout.String(),
		})
		h.record(ctx, "timeout")
		return errorPage(http.StatusGatewayTimeout)
	}

	h.record(ctx, outcome.Kind.String())
	log.LogInfoWithFields("bridge", "Callback completed", map[string]any{
		"conversation": ref.Key(),
		"outcome":      outcome.Kind.String(),
	})

	if callback.Failed() {
		return errorPage(http.StatusOK)
	}
	switch outcome.Kind {
	case conversation.OutcomeChallenge:
		if outcome.SecurityKey == "" {
			return closePage()
		}
		return keyPage(outcome.SecurityKey)
	case conversation.OutcomeNoChallenge:
		return closePage()
	default:
		return errorPage(http.StatusOK)
	}
}

func (h *Handler) record(ctx context.Context, outcome string) {
	if h.recorder != nil {
		h.recorder.RecordCallback(ctx, outcome)
	}
}
