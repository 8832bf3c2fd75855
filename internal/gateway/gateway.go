// ABOUTME: RequestGateway wrapping every outbound backend call
// ABOUTME: Attaches the bearer credential, classifies responses, and runs global side effects

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 8 << 20
	// defaultTimeout applies when no HTTP client is supplied.
	defaultTimeout = 15 * time.Second
)

// Session is what the gateway needs from the session manager.
type Session interface {
	// Bearer returns the stored credential ("" when absent) and the epoch it belongs to.
	Bearer(ctx context.Context) (raw string, epoch uint64, err error)
	// Expire tears the session down if epoch is still current. True for the call that did it.
	Expire(ctx context.Context, epoch uint64) bool
	// CheckExpiry ends the session if its credential's exp has passed. True for the call that did it.
	CheckExpiry(ctx context.Context) bool
}

// Request describes one call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// Suppress lists kinds whose generic notification is not shown, for
	// endpoints that are called speculatively.
	Suppress []Kind
	// ForbiddenAs tells callers what a 403 from this endpoint means.
	ForbiddenAs ForbiddenReason
	// NoCredential sends the call bare. A 401 then means rejected
	// credentials, not an expired session, and has no global effect.
	NoCredential bool
}

// Response is a successful call. Epoch is the session epoch the call was issued under.
type Response struct {
	Status int
	Body   []byte
	Epoch  uint64
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Gateway performs backend calls on behalf of the core.
type Gateway struct {
	baseURL   string
	client    *http.Client
	session   Session
	notifier  Notifier
	navigator Navigator
	loginPath string
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithNotifier sets where user-visible notifications go.
func WithNotifier(n Notifier) Option {
	return func(g *Gateway) { g.notifier = n }
}

// WithNavigator sets the navigation hook used on session expiry.
func WithNavigator(n Navigator) Option {
	return func(g *Gateway) { g.navigator = n }
}

// WithLoginPath sets the route forced on session expiry.
func WithLoginPath(path string) Option {
	return func(g *Gateway) { g.loginPath = path }
}

// WithMetrics sets the outcome counters.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a gateway for baseURL backed by sess.
func New(baseURL string, sess Session, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    &http.Client{Timeout: defaultTimeout},
		session:   sess,
		loginPath: "/login",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.notifier == nil {
		g.notifier = LogNotifier{Logger: g.logger}
	}
	if g.navigator == nil {
		g.navigator = NavigatorFunc(func(string) {})
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Call performs req. The credential is read once, before dispatch; its epoch
// tags the response. Failures come back as *Error.
func (g *Gateway) Call(ctx context.Context, req Request) (*Response, error) {
	if !req.NoCredential && g.CheckExpiry(ctx) {
		// The credential lapsed before dispatch; the backend would only 401 it.
		g.metrics.observe(string(KindExpired))
		return nil, &Error{Kind: KindExpired, Message: MessageSessionExpired}
	}

	raw, epoch, err := g.session.Bearer(ctx)
	if err != nil {
		// An unreadable slot is treated as no credential.
		g.logger.Warn("credential unavailable, calling without it", "error", err)
		raw = ""
	}
	if req.NoCredential {
		raw = ""
	}

	httpReq, err := g.buildRequest(ctx, req, raw)
	if err != nil {
		return nil, err
	}
	requestID := httpReq.Header.Get("X-Request-ID")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// Caller gave up; not a connectivity problem worth alarming about.
			g.metrics.observe("canceled")
			return nil, ctx.Err()
		}
		gerr := &Error{Kind: KindUnreachable, Message: "unable to reach the server", Err: err}
		g.logger.Warn("request failed",
			"method", httpReq.Method,
			"path", req.Path,
			"request_id", requestID,
			"error", err)
		g.fail(req, gerr)
		return nil, gerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		gerr := &Error{Kind: KindUnreachable, Status: resp.StatusCode, Message: "connection lost while reading response", Err: err}
		g.fail(req, gerr)
		return nil, gerr
	}

	g.logger.Debug("request completed",
		"method", httpReq.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		g.metrics.observe("ok")
		return &Response{Status: resp.StatusCode, Body: body, Epoch: epoch}, nil
	}

	gerr := &Error{
		Kind:    classify(resp.StatusCode),
		Status:  resp.StatusCode,
		Message: extractMessage(resp.StatusCode, body),
		Body:    body,
	}

	switch gerr.Kind {
	case KindExpired:
		if req.NoCredential {
			g.fail(req, gerr)
			return nil, gerr
		}
		g.metrics.observe(string(KindExpired))
		g.expire(ctx, epoch)
		return nil, gerr
	case KindForbidden:
		gerr.Reason = req.ForbiddenAs
		// Forbidden never carries a value and never tears the session down.
		g.fail(req, gerr)
		return nil, gerr
	default:
		g.fail(req, gerr)
		return nil, gerr
	}
}

// Get is shorthand for a GET with no body.
func (g *Gateway) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return g.Call(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post is shorthand for a POST with a JSON body.
func (g *Gateway) Post(ctx context.Context, path string, body any) (*Response, error) {
	return g.Call(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

func (g *Gateway) buildRequest(ctx context.Context, req Request, raw string) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := g.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.New().String())
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if raw != "" {
		httpReq.Header.Set("Authorization", "Bearer "+raw)
	}
	return httpReq, nil
}

// CheckExpiry ends the session when its credential's exp has passed and, for
// the call that ended it, notifies and navigates to login. No request is made.
func (g *Gateway) CheckExpiry(ctx context.Context) bool {
	if !g.session.CheckExpiry(context.WithoutCancel(ctx)) {
		return false
	}
	g.logger.Info("session torn down after local expiry")
	g.announceTeardown()
	return true
}

// expire runs the global teardown. Only the call that actually tore the
// session down notifies and navigates, so simultaneous 401s act once.
func (g *Gateway) expire(ctx context.Context, epoch uint64) {
	if !g.session.Expire(context.WithoutCancel(ctx), epoch) {
		return
	}
	g.logger.Info("session torn down after 401", "epoch", epoch)
	g.announceTeardown()
}

func (g *Gateway) announceTeardown() {
	g.metrics.teardown()
	g.notifier.Notify(Notification{Level: LevelWarn, Kind: KindExpired, Message: MessageSessionExpired})
	g.navigator.Navigate(g.loginPath)
}

// fail records a non-expiry failure and shows the generic notification unless suppressed.
func (g *Gateway) fail(req Request, gerr *Error) {
	g.metrics.observe(string(gerr.Kind))
	if slices.Contains(req.Suppress, gerr.Kind) {
		return
	}
	level := LevelError
	if gerr.Kind == KindForbidden || gerr.Kind == KindNotFound {
		level = LevelWarn
	}
	g.notifier.Notify(Notification{Level: level, Kind: gerr.Kind, Message: gerr.Message})
}

// IsClassified reports whether err came from the gateway's classifier
// rather than from request construction or cancellation.
func IsClassified(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr)
}
