package auth

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAuthServer returns a server whose /data endpoint requires the given
// token and whose /refresh endpoint issues it, counting refresh calls.
func newAuthServer(t *testing.T, goodToken string, refreshDelay time.Duration, refreshCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		refreshCalls.Add(1)
		time.Sleep(refreshDelay)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"` + goodToken + `"}`))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+goodToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("ok:"), body...))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundTrip_RefreshesOnceAcrossConcurrentCallers(t *testing.T) {
	var refreshCalls atomic.Int32
	srv := newAuthServer(t, "fresh", 100*time.Millisecond, &refreshCalls)

	store := NewTokenStore("stale")
	client := Client(store, srv.URL+"/refresh", nil)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	codes := make([]int, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(srv.URL + "/data")
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Body.Close()
			codes[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusOK, codes[i], "caller %d", i)
	}
	assert.Equal(t, int32(1), refreshCalls.Load(), "all concurrent 401s must share one refresh")
	assert.Equal(t, "fresh", store.Get())
}

func TestRoundTrip_FailedRefreshReturnsOriginalResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		http.Error(w, "nope", http.StatusBadGateway)
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := Client(NewTokenStore("stale"), srv.URL+"/refresh", nil)
	resp, err := client.Get(srv.URL + "/data")
	require.NoError(t, err, "refresh failure must not surface as an error")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoundTrip_ReplaysPostBodyAfterRefresh(t *testing.T) {
	var refreshCalls atomic.Int32
	srv := newAuthServer(t, "fresh", 0, &refreshCalls)

	store := NewTokenStore("stale")
	client := Client(store, srv.URL+"/refresh", nil)

	resp, err := client.Post(srv.URL+"/data", "text/plain", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok:payload", string(body))
}

func TestRoundTrip_NoRefreshWhenAuthorized(t *testing.T) {
	var refreshCalls atomic.Int32
	srv := newAuthServer(t, "good", 0, &refreshCalls)

	client := Client(NewTokenStore("good"), srv.URL+"/refresh", nil)
	resp, err := client.Get(srv.URL + "/data")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(0), refreshCalls.Load())
}

func TestRoundTrip_UnreplayableBodyNotRetried(t *testing.T) {
	var refreshCalls atomic.Int32
	srv := newAuthServer(t, "fresh", 0, &refreshCalls)

	store := NewTokenStore("stale")
	transport := NewTransport(store, srv.URL+"/refresh", nil)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/data", strings.NewReader("x"))
	require.NoError(t, err)
	req.GetBody = nil // simulate a one-shot body

	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), refreshCalls.Load())
}
