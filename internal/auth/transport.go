package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/singleflight"
)

// Transport is an http.RoundTripper that attaches the bearer token to every
// request and, on a 401/403 response, performs one token refresh shared
// across all concurrent callers before retrying the request once.
//
// When the refresh itself fails, the original failed response is returned
// rather than an error, so callers must still check response status.
type Transport struct {
	base       http.RoundTripper
	store      *TokenStore
	refreshURL string
	group      singleflight.Group
}

// NewTransport builds a refreshing transport. base may be nil, in which case a
// pooled default transport is used.
func NewTransport(store *TokenStore, refreshURL string, base http.RoundTripper) *Transport {
	if base == nil {
		base = cleanhttp.DefaultPooledTransport()
	}
	return &Transport{base: base, store: store, refreshURL: refreshURL}
}

// Client wraps the transport in an http.Client.
func Client(store *TokenStore, refreshURL string, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: NewTransport(store, refreshURL, base)}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.send(req, t.store.Get())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}

	// A request whose body was already consumed and cannot be rebuilt is
	// not retryable; hand the failure back as-is.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	token, err := t.refresh(req.Context())
	if err != nil {
		log.Printf("auth: token refresh failed: %v", err)
		return resp, nil
	}
	resp.Body.Close()

	return t.send(req, token)
}

// send issues a clone of req carrying the given token.
func (t *Transport) send(req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("auth: rebuild request body: %w", err)
		}
		clone.Body = body
	}
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(clone)
}

// refresh performs the single-flight token refresh. Concurrent callers all
// wait on the same attempt and observe its result.
func (t *Transport) refresh(ctx context.Context) (string, error) {
	token, err, _ := t.group.Do("refresh", func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.refreshURL, nil)
		if err != nil {
			return "", err
		}
		if old := t.store.Get(); old != "" {
			req.Header.Set("Authorization", "Bearer "+old)
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("auth: refresh endpoint returned %d", resp.StatusCode)
		}

		var payload struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return "", fmt.Errorf("auth: decode refresh response: %w", err)
		}
		if payload.Token == "" {
			return "", fmt.Errorf("auth: refresh response missing token")
		}
		t.store.Set(payload.Token)
		return payload.Token, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}
