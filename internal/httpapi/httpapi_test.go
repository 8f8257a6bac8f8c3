package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgroute/internal/eventbus"
	"msgroute/internal/routing"
	logx "msgroute/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, Deps{
		Partitioner: routing.NewPartitioner(nil),
		Validator:   routing.NewValidator(),
		Bus:         bus,
	}, logx.Nop())
	return s, bus
}

func phones(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%010d", 5550000000+i)
	}
	return out
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func routeBodyFor(msg string, recipients []string) string {
	b, _ := json.Marshal(map[string]any{"message": msg, "recipients": recipients})
	return string(b)
}

func TestRouteSuccess(t *testing.T) {
	t.Parallel()
	s, bus := newTestService(t, Config{})
	events, unsub := bus.Subscribe(4)
	defer unsub()

	in := phones(17)
	rec := do(t, s.Handler(), http.MethodPost, "/message/route", routeBodyFor("hi", in))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	var got routeResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "hi", got.Message)
	require.Len(t, got.Routes, 4)
	assert.Equal(t, "10.0.3.1", got.Routes[0].IP)
	assert.Len(t, got.Routes[0].Recipients, 10)
	assert.Equal(t, "10.0.2.1", got.Routes[1].IP)
	assert.Equal(t, "10.0.1.1", got.Routes[2].IP)
	assert.Equal(t, "10.0.1.2", got.Routes[3].IP)

	var flat []string
	for _, r := range got.Routes {
		flat = append(flat, r.Recipients...)
	}
	assert.Equal(t, in, flat)

	select {
	case e := <-events:
		require.Equal(t, eventbus.TypeRoutePlanned, e.Type)
		d := e.Data.(eventbus.RoutePlanned)
		assert.Equal(t, 17, d.Recipients)
		assert.Equal(t, 4, d.Routes)
		assert.Equal(t, 2, d.Elastic)
		assert.Equal(t, rec.Header().Get(headerRequestID), d.RequestID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestRouteWireShape(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})
	rec := do(t, s.Handler(), http.MethodPost, "/message/route", `{"message":"m","recipients":["1234567890","1234567891"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"m","routes":[{"ip":"10.0.1.1","recipients":["1234567890"]},{"ip":"10.0.1.2","recipients":["1234567891"]}]}`, rec.Body.String())
}

func TestRouteRejections(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `nope`, "Malformed request"},
		{"recipients not a list", `{"message":"m","recipients":"ldkj"}`, "Malformed request"},
		{"empty message", routeBodyFor("", phones(1)), "Message cannot be empty"},
		{"missing recipients", `{"message":"m"}`, "Recipients list cannot be empty"},
		{"too many", routeBodyFor("m", phones(5001)), "Got 5001 recipients, but maximum allowed is 5000"},
		{"nine digits", `{"message":"m","recipients":["123456789"]}`, "Invalid phone number 123456789"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, s.Handler(), http.MethodPost, "/message/route", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var e errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.Equal(t, tt.want, e.Error)
		})
	}
}

func TestRouteAcceptsLimit(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})
	rec := do(t, s.Handler(), http.MethodPost, "/message/route", routeBodyFor("m", phones(5000)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouteRejectionPublishesEvent(t *testing.T) {
	t.Parallel()
	s, bus := newTestService(t, Config{})
	events, unsub := bus.Subscribe(4)
	defer unsub()

	rec := do(t, s.Handler(), http.MethodPost, "/message/route", `{"message":"m","recipients":["abc"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	e := <-events
	require.Equal(t, eventbus.TypeRouteRejected, e.Type)
	assert.Equal(t, "invalid_phone", e.Data.(eventbus.RouteRejected).Reason)
}

func TestBodyTooLarge(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{MaxBodyBytes: 64})
	rec := do(t, s.Handler(), http.MethodPost, "/message/route", routeBodyFor("m", phones(20)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"Request body too large"}`, rec.Body.String())
}

func TestMethodNotAllowedAndNotFound(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})

	rec := do(t, s.Handler(), http.MethodGet, "/message/route", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodPost, "/nope", "{}")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestRequestIDEcho(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", headerRequestID, "abc-123")
	assert.Equal(t, "abc-123", rec.Header().Get(headerRequestID))
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/healthz", "", headerRequestID, "has space")
	assert.NotEqual(t, "has space", rec.Header().Get(headerRequestID))
	assert.Len(t, rec.Header().Get(headerRequestID), 36)
}

func TestCustomRoutePath(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{RoutePath: "api/route/"})
	rec := do(t, s.Handler(), http.MethodPost, "/api/route", routeBodyFor("m", phones(5)))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s.Handler(), http.MethodPost, "/message/route", routeBodyFor("m", phones(5)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTopologyEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})

	rec := do(t, s.Handler(), http.MethodGet, "/topology", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got topologyBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Fixed, 3)
	assert.Equal(t, []string{"10.0.4.1", "10.0.4.2"}, got.Fixed[0].Addresses)
	assert.Equal(t, elasticBody{Prefix: "10.0.1.", Start: 1}, got.Elastic)
	assert.Empty(t, got.Plan)

	rec = do(t, s.Handler(), http.MethodGet, "/topology?recipients=65", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []planBody{
		{Tier: "large", Capacity: 25, Routes: 2},
		{Tier: "medium", Capacity: 10, Routes: 1},
		{Tier: "small", Capacity: 5, Routes: 1},
		{Tier: "elastic", Capacity: 1, Routes: 0},
	}, got.Plan)

	for _, q := range []string{"-1", "x", "5001"} {
		rec = do(t, s.Handler(), http.MethodGet, "/topology?recipients="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{RateLimit: RateLimitConfig{Enabled: true, PerSec: 0.001, Burst: 2}})
	body := routeBodyFor("m", phones(1))

	for i := 0; i < 2; i++ {
		rec := do(t, s.Handler(), http.MethodPost, "/message/route", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, s.Handler(), http.MethodPost, "/message/route", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Too many requests"}`, rec.Body.String())

	// Health checks are never limited.
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/healthz", "").Code)

	s.ApplyRateLimit(RateLimitConfig{Enabled: false})
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodPost, "/message/route", body).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{MetricsEnabled: true})
	do(t, s.Handler(), http.MethodPost, "/message/route", routeBodyFor("m", phones(30)))
	do(t, s.Handler(), http.MethodPost, "/message/route", `{"message":""}`)

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `msgroute_routing_requests_total{outcome="planned"} 1`)
	assert.Contains(t, body, `msgroute_routing_requests_total{outcome="empty_message"} 1`)
	assert.Contains(t, body, `msgroute_routing_routes_total{tier="large"} 1`)
	assert.Contains(t, body, `msgroute_routing_routes_total{tier="small"} 1`)
	assert.Contains(t, body, `msgroute_http_requests_total{method="POST",path="/message/route",status="200"} 1`)

	s2, _ := newTestService(t, Config{MetricsEnabled: false})
	assert.Equal(t, http.StatusNotFound, do(t, s2.Handler(), http.MethodGet, "/metrics", "").Code)
}

// Not parallel: swaps the package-level encoder.
func TestEncodeFailureIsServerMalfunction(t *testing.T) {
	prev := marshalFunc
	marshalFunc = func(any) ([]byte, error) { return nil, errors.New("boom") }
	defer func() { marshalFunc = prev }()

	s, _ := newTestService(t, Config{})
	rec := do(t, s.Handler(), http.MethodPost, "/message/route", routeBodyFor("m", phones(1)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Server malfunction"}`, rec.Body.String())
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})
	s.engine.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	rec := do(t, s.Handler(), http.MethodGet, "/boom", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Server malfunction"}`, rec.Body.String())
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{Addr: "127.0.0.1:0"})
	s.Start(context.Background())

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener not ready")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Post("http://"+addr+"/message/route", "application/json", strings.NewReader(routeBodyFor("m", phones(5))))
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), `"ip":"10.0.2.1"`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Supervisor())

	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

// Not parallel: counts goroutines.
func TestServeAttemptsDoNotLeakShutdownWatchers(t *testing.T) {
	s, _ := newTestService(t, Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		errCh := make(chan error, 1)
		go func() { errCh <- s.serveOnce(ctx) }()

		var srv *http.Server
		require.Eventually(t, func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			srv = s.srv
			return srv != nil
		}, 2*time.Second, 5*time.Millisecond)

		// Serve returns while ctx is still live, as after a listener failure.
		require.NoError(t, srv.Close())
		select {
		case err := <-errCh:
			require.Error(t, err)
			assert.False(t, errors.Is(err, context.Canceled))
		case <-time.After(2 * time.Second):
			t.Fatal("serve attempt did not return")
		}
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= base+1
	}, 2*time.Second, 10*time.Millisecond, "goroutines grew from %d", base)
}
