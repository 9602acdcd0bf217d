package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskbot/godesk/internal/credential"
	"github.com/deskbot/godesk/internal/policy"
)

func testBackoff() policy.Backoff {
	return policy.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}
}

func seededStore(t *testing.T) credential.Store {
	t.Helper()
	s := credential.NewMemoryStore()
	require.NoError(t, s.Set(credential.Credential{AccessToken: "old-access", RefreshToken: "old-refresh"}))
	return s
}

func TestRequest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer old-access", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"SOL-USD"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, seededStore(t), WithBackoff(testBackoff()))
	var out struct {
		Symbol string `json:"symbol"`
	}
	require.NoError(t, c.Request(context.Background(), http.MethodGet, "/account/positions", nil, &out))
	assert.Equal(t, "SOL-USD", out.Symbol)
}

func TestRequest_RefreshOn401ThenReplay(t *testing.T) {
	var refreshHits, protectedHits int64

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshHits, 1)
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "old-refresh", body.RefreshToken)
		_, _ = w.Write([]byte(`{"token":"new-access","refreshToken":"new-refresh"}`))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&protectedHits, 1)
		if r.Header.Get("Authorization") != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := seededStore(t)
	c := NewClient(srv.URL, store, WithBackoff(testBackoff()))
	require.NoError(t, c.Request(context.Background(), http.MethodGet, "/data", nil, nil))

	assert.EqualValues(t, 1, atomic.LoadInt64(&refreshHits))
	assert.EqualValues(t, 2, atomic.LoadInt64(&protectedHits), "one 401 plus one replay")

	cred := store.Get()
	require.NotNil(t, cred)
	assert.Equal(t, "new-access", cred.AccessToken)
	assert.Equal(t, "new-refresh", cred.RefreshToken)
}

func TestRequest_ConcurrentRequestsShareOneRefresh(t *testing.T) {
	const clients = 3
	var refreshHits, unauthorized int64
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshHits, 1)
		// 等全部并发请求都拿到 401 之后再放行刷新
		<-release
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`{"token":"new-access"}`))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new-access" {
			if atomic.AddInt64(&unauthorized, 1) == clients {
				close(release)
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := seededStore(t)
	c := NewClient(srv.URL, store, WithBackoff(testBackoff()))

	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Request(context.Background(), http.MethodGet, "/data", nil, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&refreshHits), "concurrent 401s must share one refresh")

	cred := store.Get()
	require.NotNil(t, cred)
	// 后端没轮换 refresh token 时沿用旧值
	assert.Equal(t, "old-refresh", cred.RefreshToken)
}

func TestRequest_RefreshFailureClearsAndFailsFast(t *testing.T) {
	var refreshHits int64

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshHits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := seededStore(t)
	c := NewClient(srv.URL, store, WithBackoff(testBackoff()))

	err := c.Request(context.Background(), http.MethodGet, "/data", nil, nil)
	require.ErrorIs(t, err, policy.ErrUnauthenticated)
	assert.Nil(t, store.Get(), "failed refresh must clear the credential")
	assert.Equal(t, policy.Unauthenticated, policy.Classify(err))

	// 凭证已清空：后续请求直接失败，不再打刷新端点
	err = c.Request(context.Background(), http.MethodGet, "/data", nil, nil)
	require.ErrorIs(t, err, policy.ErrUnauthenticated)
	assert.EqualValues(t, 1, atomic.LoadInt64(&refreshHits))
}

func TestRequest_SecondUnauthorizedAfterRefresh(t *testing.T) {
	var refreshHits int64

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshHits, 1)
		_, _ = w.Write([]byte(`{"token":"new-access"}`))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		// 即使换了新 token 也拒绝
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := seededStore(t)
	c := NewClient(srv.URL, store, WithBackoff(testBackoff()))

	err := c.Request(context.Background(), http.MethodGet, "/data", nil, nil)
	require.ErrorIs(t, err, policy.ErrUnauthenticated)
	assert.EqualValues(t, 1, atomic.LoadInt64(&refreshHits), "at most one refresh per logical request")
	assert.Nil(t, store.Get())
}

func TestRequest_RefreshNetworkFailureKeepsCredential(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		// 刷新请求根本没到后端业务层
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := seededStore(t)
	c := NewClient(srv.URL, store, WithBackoff(testBackoff()))

	err := c.Request(context.Background(), http.MethodGet, "/data", nil, nil)
	var netErr *policy.NetworkError
	require.True(t, errors.As(err, &netErr), "want NetworkError, got %v", err)
	assert.Equal(t, policy.Retryable, policy.Classify(err))

	// refresh token 还有效，不能被清掉
	cred := store.Get()
	require.NotNil(t, cred)
	assert.Equal(t, "old-refresh", cred.RefreshToken)
}

func TestRequest_UnauthorizedOnFinalAttemptSkipsRefresh(t *testing.T) {
	var refreshHits int64
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshHits, 1)
		_, _ = w.Write([]byte(`{"token":"new-access"}`))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := seededStore(t)
	c := NewClient(srv.URL, store, WithBackoff(testBackoff()), WithMaxAttempts(1))

	err := c.Request(context.Background(), http.MethodGet, "/data", nil, nil)
	var httpErr *policy.HTTPError
	require.True(t, errors.As(err, &httpErr), "want HTTPError, got %v", err)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)

	// 没有重放预算：不刷新，凭证原样保留
	assert.EqualValues(t, 0, atomic.LoadInt64(&refreshHits))
	require.NotNil(t, store.Get())
}

func TestRequest_NetworkErrorRetriesThenFails(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, seededStore(t), WithBackoff(testBackoff()), WithMaxAttempts(3))
	err := c.Request(context.Background(), http.MethodGet, "/data", nil, nil)

	var netErr *policy.NetworkError
	require.True(t, errors.As(err, &netErr), "want NetworkError, got %v", err)
	assert.EqualValues(t, 3, atomic.LoadInt64(&hits), "must exhaust the attempt ceiling")
	assert.Equal(t, policy.Retryable, policy.Classify(err))
}

func TestRequest_ServerErrorRetriedThenSucceeds(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, seededStore(t), WithBackoff(testBackoff()), WithMaxAttempts(3))
	require.NoError(t, c.Request(context.Background(), http.MethodGet, "/data", nil, nil))
	assert.EqualValues(t, 3, atomic.LoadInt64(&hits))
}

func TestRequest_ClientErrorNotRetried(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, seededStore(t), WithBackoff(testBackoff()))
	err := c.Request(context.Background(), http.MethodGet, "/nope", nil, nil)

	var httpErr *policy.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.EqualValues(t, 1, atomic.LoadInt64(&hits), "4xx must fail without retry")
	assert.Equal(t, policy.Fatal, policy.Classify(err))
}

func TestRequest_ContextCancelStopsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, seededStore(t), WithBackoff(policy.Backoff{Base: time.Second, Max: time.Second}))
	err := c.Request(ctx, http.MethodGet, "/data", nil, nil)
	require.Error(t, err)
	assert.Equal(t, policy.Fatal, policy.Classify(err))
}
