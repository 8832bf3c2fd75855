// ABOUTME: Typed SpendSense endpoints over the gateway, session and consent cache
// ABOUTME: Login installs credentials; consent changes drive cache grant/revoke

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/spendsense/internal/consentcache"
	"github.com/2389/spendsense/internal/events"
	"github.com/2389/spendsense/internal/gateway"
	"github.com/2389/spendsense/internal/session"
)

var (
	ErrInvalidKey      = errors.New("invalid resource key")
	ErrInvalidAction   = errors.New("invalid consent action")
	ErrInvalidDecision = errors.New("invalid review decision")
	ErrMissingToken    = errors.New("auth response carried no access token")
	// ErrStaleLogin means the session changed while the login call was in flight.
	ErrStaleLogin = errors.New("session changed during login; credential not installed")
)

// Session is what the client needs from the session manager.
type Session interface {
	// LoginIfEpoch installs raw only while epoch is current, returning
	// session.ErrEpochMoved otherwise. The check and install are atomic.
	LoginIfEpoch(ctx context.Context, raw string, epoch uint64) error
	Logout(ctx context.Context) error
	Epoch() uint64
}

// Client exposes the backend's endpoints.
type Client struct {
	gw      Caller
	cache   *consentcache.Cache
	session Session
	logger  *slog.Logger
}

// NewClient wires the endpoints. cache should load through NewLoader(gw).
func NewClient(gw Caller, cache *consentcache.Cache, sess Session, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		gw:      gw,
		cache:   cache,
		session: sess,
		logger:  logger.With("component", "api"),
	}
}

// Login authenticates and installs the returned credential. When Login
// returns nil the next call carries the new credential.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	return c.authenticate(ctx, "/auth/login", LoginRequest{Username: username, Password: password})
}

// Signup registers a Subject and logs them in.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (*AuthResponse, error) {
	return c.authenticate(ctx, "/auth/signup", req)
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (*AuthResponse, error) {
	epoch := c.session.Epoch()

	resp, err := c.gw.Call(ctx, gateway.Request{
		Method:       http.MethodPost,
		Path:         path,
		Body:         body,
		NoCredential: true,
	})
	if err != nil {
		return nil, err
	}

	var auth AuthResponse
	if err := resp.Decode(&auth); err != nil {
		return nil, err
	}
	if strings.TrimSpace(auth.AccessToken) == "" {
		return nil, ErrMissingToken
	}

	// A logout or another login landed first; theirs wins.
	if err := c.session.LoginIfEpoch(ctx, auth.AccessToken, epoch); err != nil {
		if errors.Is(err, session.ErrEpochMoved) {
			return nil, ErrStaleLogin
		}
		return nil, fmt.Errorf("installing credential: %w", err)
	}

	c.logger.Info("logged in", "user_id", auth.UserID, "role", auth.Role)
	return &auth, nil
}

// Logout clears the credential. Cached resources are purged by the session observer.
func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// SetConsent records a consent change and applies it to the cache once the
// backend acknowledges. Opt-outs also evict before dispatch so no cached value
// is served while the request is in flight.
func (c *Client) SetConsent(ctx context.Context, req ConsentRequest) (*ConsentResponse, error) {
	action, err := req.Action.Event()
	if err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: consent needs a user_id", ErrInvalidKey)
	}

	if action == events.ConsentRevoke {
		c.cache.Evict(req.UserID)
	}

	resp, err := c.gw.Call(ctx, gateway.Request{
		Method:      http.MethodPost,
		Path:        "/consent",
		Body:        req,
		ForbiddenAs: gateway.ReasonRoleDenied,
	})
	if err != nil {
		return nil, err
	}

	var out ConsentResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}

	affected := c.cache.ApplyConsent(events.ConsentEvent{SubjectID: req.UserID, Action: action})
	c.logger.Info("consent updated", "user_id", req.UserID, "action", req.Action, "entries", affected)
	return &out, nil
}

// Profile returns a subject's behavioral profile for a window (e.g. "30").
// A 403 matches gateway.ErrConsentRequired.
func (c *Client) Profile(ctx context.Context, userID, window string) (json.RawMessage, error) {
	return c.cache.Get(ctx, consentcache.Key{Kind: consentcache.KindProfile, SubjectID: userID, Window: window})
}

// Recommendations returns a subject's recommendations.
func (c *Client) Recommendations(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.cache.Get(ctx, consentcache.Key{Kind: consentcache.KindRecommendations, SubjectID: userID})
}

// Transactions returns a subject's transactions for a window.
func (c *Client) Transactions(ctx context.Context, userID, window string) (json.RawMessage, error) {
	return c.cache.Get(ctx, consentcache.Key{Kind: consentcache.KindTransactions, SubjectID: userID, Window: window})
}

// Users returns the subject directory. Only Stewards may read it; a 403
// matches gateway.ErrRoleDenied and raises no notification.
func (c *Client) Users(ctx context.Context) (json.RawMessage, error) {
	return c.cache.Get(ctx, consentcache.Key{Kind: consentcache.KindUsers})
}

// ReviewQueue returns recommendations awaiting Steward review. Not cached.
func (c *Client) ReviewQueue(ctx context.Context) (json.RawMessage, error) {
	req, err := RequestFor(consentcache.Key{Kind: consentcache.KindReviewQueue})
	if err != nil {
		return nil, err
	}
	resp, err := c.gw.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

// ReviewRecommendation records a Steward decision on a queued recommendation.
func (c *Client) ReviewRecommendation(ctx context.Context, id string, decision Decision, notes string) (json.RawMessage, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, string(decision))
	}
	if id == "" {
		return nil, fmt.Errorf("%w: review needs a recommendation id", ErrInvalidKey)
	}
	resp, err := c.gw.Call(ctx, gateway.Request{
		Method:      http.MethodPost,
		Path:        "/operator/review/" + url.PathEscape(id),
		Body:        ReviewRequest{Decision: decision, Notes: notes},
		ForbiddenAs: gateway.ReasonRoleDenied,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

// Cached reports the cache entry for key without fetching.
func (c *Client) Cached(key consentcache.Key) consentcache.Entry {
	return c.cache.Peek(key)
}
