// ABOUTME: Maps consent cache keys onto backend resource requests
// ABOUTME: Each resource kind carries its path and how a 403 should be read

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/2389/spendsense/internal/consentcache"
	"github.com/2389/spendsense/internal/gateway"
)

// Caller performs gateway requests.
type Caller interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Loader fetches cache keys through the gateway.
type Loader struct {
	gw Caller
}

// NewLoader creates a loader over gw.
func NewLoader(gw Caller) *Loader {
	return &Loader{gw: gw}
}

// Fetch satisfies consentcache.Fetcher.
func (l *Loader) Fetch(ctx context.Context, key consentcache.Key) (json.RawMessage, error) {
	req, err := RequestFor(key)
	if err != nil {
		return nil, err
	}
	resp, err := l.gw.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

// RequestFor builds the gateway request that loads key.
func RequestFor(key consentcache.Key) (gateway.Request, error) {
	req := gateway.Request{Method: http.MethodGet}
	if key.Window != "" {
		req.Query = url.Values{"window": {key.Window}}
	}

	switch key.Kind {
	case consentcache.KindProfile, consentcache.KindRecommendations, consentcache.KindTransactions:
		if key.SubjectID == "" {
			return gateway.Request{}, fmt.Errorf("%w: %s needs a subject", ErrInvalidKey, key.Kind)
		}
		req.Path = "/" + string(key.Kind) + "/" + url.PathEscape(key.SubjectID)
		req.ForbiddenAs = gateway.ReasonConsentRequired
	case consentcache.KindUsers:
		// Probed to discover Steward access, so an expected 403 stays quiet.
		req.Path = "/users"
		req.ForbiddenAs = gateway.ReasonRoleDenied
		req.Suppress = []gateway.Kind{gateway.KindForbidden}
	case consentcache.KindReviewQueue:
		req.Path = "/operator/review"
		req.ForbiddenAs = gateway.ReasonRoleDenied
	default:
		return gateway.Request{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, key.Kind)
	}
	return req, nil
}
