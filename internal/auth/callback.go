package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const callbackSuccessHTML = `<!DOCTYPE html>
<html><head><title>Authorization complete</title></head>
<body><h1>Authorization complete</h1><p>You can close this window.</p></body></html>`

const callbackErrorHTML = `<!DOCTYPE html>
<html><head><title>Authorization failed</title></head>
<body><h1>Authorization failed</h1><p>%s</p></body></html>`

// CallbackResult carries the query parameters of one provider redirect.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// IsError reports whether the provider denied the authorization.
func (r CallbackResult) IsError() bool {
	return r.Error != ""
}

// CompleteFunc finishes an authorization flow from a callback. The
// returned error is shown to the user as a failure page; nil renders
// the success page. A nil CompleteFunc accepts every callback; the
// result is then picked up via Wait.
type CompleteFunc func(ctx context.Context, result CallbackResult) error

// CallbackReceiver is the long-lived local HTTP listener for provider
// redirects. Unlike a one-shot flow helper it serves callbacks for any
// number of users and flows over its lifetime.
type CallbackReceiver struct {
	addr     string
	path     string
	complete CompleteFunc
	logger   zerolog.Logger

	server   *http.Server
	listener net.Listener
	results  chan CallbackResult
}

// NewCallbackReceiver builds a receiver listening on the host and path
// of the configured redirect URI.
func NewCallbackReceiver(redirectURI string, complete CompleteFunc, logger zerolog.Logger) (*CallbackReceiver, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	return &CallbackReceiver{
		addr:     net.JoinHostPort("127.0.0.1", port),
		path:     path,
		complete: complete,
		logger:   logger,
		results:  make(chan CallbackResult, 1),
	}, nil
}

// Start binds the listener and begins serving callbacks. It fails fast
// when the port is taken, including by a second Start.
func (cr *CallbackReceiver) Start() error {
	if cr.listener != nil {
		return errors.New("callback receiver already started")
	}

	listener, err := net.Listen("tcp", cr.addr)
	if err != nil {
		return fmt.Errorf("failed to bind callback listener on %s: %w", cr.addr, err)
	}
	cr.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(cr.path, cr.handleCallback)

	cr.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := cr.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cr.logger.Error().Err(err).Msg("callback receiver stopped unexpectedly")
		}
	}()

	cr.logger.Info().Str("addr", cr.addr).Str("path", cr.path).Msg("callback receiver listening")
	return nil
}

// Addr returns the bound listener address, valid after Start.
func (cr *CallbackReceiver) Addr() string {
	if cr.listener == nil {
		return ""
	}
	return cr.listener.Addr().String()
}

func (cr *CallbackReceiver) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	query := r.URL.Query()
	result := CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	// Hand the result to a pending Wait. The buffer holds one result;
	// further callbacks before anyone waits are only passed to the
	// CompleteFunc.
	select {
	case cr.results <- result:
	default:
	}

	if cr.complete != nil {
		if err := cr.complete(r.Context(), result); err != nil {
			cr.logger.Warn().Err(err).Msg("authorization callback rejected")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackErrorHTML, "The authorization could not be completed.")
			return
		}
	}

	fmt.Fprint(w, callbackSuccessHTML)
}

// Wait suspends the caller until the next callback arrives and returns
// its result. The caller bounds the wait through ctx; an expired
// deadline returns the context error instead of blocking forever.
func (cr *CallbackReceiver) Wait(ctx context.Context) (CallbackResult, error) {
	select {
	case result := <-cr.results:
		return result, nil
	case <-ctx.Done():
		return CallbackResult{}, ctx.Err()
	}
}

// Stop shuts the receiver down, waiting for in-flight callbacks.
func (cr *CallbackReceiver) Stop(ctx context.Context) error {
	if cr.server == nil {
		return nil
	}
	return cr.server.Shutdown(ctx)
}
