package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangYounghwa/asynkaf/common/logger"
)

func TestConfigDefaultsAndValidate(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.Equal(t, "/healthz", cfg.HealthzPath)
	assert.Equal(t, "/readyz", cfg.ReadyzPath)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Error(t, cfg.validate())

	cfg.Addr = ":0"
	assert.NoError(t, cfg.validate())
}

func TestServer_Endpoints(t *testing.T) {
	var ready error
	srv, err := New(Config{Addr: ":0"}, func() error { return ready }, logger.NewNop())
	require.NoError(t, err)
	h := srv.Handler()

	cases := []struct {
		name   string
		path   string
		ready  error
		status int
	}{
		{"healthz", "/healthz", nil, http.StatusOK},
		{"ready", "/readyz", nil, http.StatusOK},
		{"not ready", "/readyz", errors.New("state closed"), http.StatusServiceUnavailable},
		{"metrics", "/metrics", nil, http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ready = c.ready
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, c.path, nil))
			assert.Equal(t, c.status, rec.Code)
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(logger.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "abc", seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestCompose_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Compose(mark("outer"), mark("inner"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestMetricsMiddleware_KeepsStatus(t *testing.T) {
	h := MetricsMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1:0"}, nil, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
