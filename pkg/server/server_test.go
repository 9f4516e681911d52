package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-render/pkg/config"
	"github.com/polisai/polis-render/pkg/filter"
	"github.com/polisai/polis-render/pkg/logging"
	"github.com/polisai/polis-render/pkg/resource"
	"github.com/polisai/polis-render/pkg/router"
	"github.com/polisai/polis-render/pkg/transform"
)

func testTable(t *testing.T) *router.Table {
	t.Helper()
	ns := resource.Single(fstest.MapFS{
		"xsl/list.tmpl": {Data: []byte(`<ul>{{range xpath . "//item"}}<li>{{text .}}</li>{{end}}</ul>`)},
		"xsl/fail.tmpl": {Data: []byte(`{{xpath . "count("}}`)},
		"data/a.xml":    {Data: []byte(`<items><item>one</item><item>two</item></items>`)},
	})
	cfg := &config.Config{Routes: []config.RouteConfig{
		{Pattern: "/data/", Transform: "/xsl/list.tmpl"},
		{Pattern: "/broken/", Transform: "/xsl/fail.tmpl"},
	}}
	table, err := router.Build(context.Background(), cfg, ns, router.Options{
		ErrorRenderer: ErrorRenderer(logging.NewLogger(logging.Config{Output: io.Discard})),
	})
	require.NoError(t, err)
	return table
}

func TestDataHandler(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.NewLogger(logging.Config{Output: &logs})
	rt := router.New(testTable(t))
	t.Cleanup(func() { _ = rt.Close() })

	srv := New(config.ServerConfig{}, rt, nil, logger)
	h := srv.DataHandler()

	req := httptest.NewRequest(http.MethodGet, "/data/a.xml", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<ul><li>one</li><li>two</li></ul>", rec.Body.String())
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	assert.Contains(t, logs.String(), `"request_id":"req-42"`)
	assert.Contains(t, logs.String(), `"status":200`)

	assert.InDelta(t, 1, testutil.ToFloat64(srv.Metrics().httpRequestsTotal.WithLabelValues("data", "GET", "200")), 0)
}

func TestDataHandler_TransformFailure(t *testing.T) {
	rt := router.New(testTable(t))
	t.Cleanup(func() { _ = rt.Close() })
	srv := New(config.ServerConfig{}, rt, nil, logging.NewLogger(logging.Config{Output: io.Discard}))

	rec := httptest.NewRecorder()
	srv.DataHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/broken/a.xml", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeTransformFailed, resp.Error.Code)
	assert.Equal(t, "error transforming /broken/a.xml", resp.Error.Message)
	assert.Equal(t, rec.Header().Get(HeaderRequestID), resp.Error.RequestID)
}

func TestErrorRenderer(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "execution",
			err:     &filter.RequestError{Path: "/a/b", Err: &transform.ExecutionError{Path: "/x.tmpl", Err: io.ErrUnexpectedEOF}},
			status:  http.StatusInternalServerError,
			code:    CodeTransformFailed,
			message: "error transforming /a/b",
		},
		{
			name:    "capture",
			err:     &filter.RequestError{Path: "/a", Err: io.ErrShortWrite},
			status:  http.StatusInternalServerError,
			code:    CodeCaptureFailed,
			message: "error transforming /a",
		},
		{
			name:    "closed",
			err:     fmt.Errorf("serve: %w", filter.ErrClosed),
			status:  http.StatusServiceUnavailable,
			code:    CodeRouteClosed,
			message: "Service Unavailable",
		},
	}

	var logs bytes.Buffer
	render := ErrorRenderer(logging.NewLogger(logging.Config{Output: &logs}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.Header().Set("Content-Length", "99")
			render(rec, httptest.NewRequest(http.MethodGet, "/a", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, rec.Header().Get("Content-Length"))

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.message, resp.Error.Message)
		})
	}
	assert.Contains(t, logs.String(), "Transform request failed")
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = logging.RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, string(bytes.Repeat([]byte("x"), maxRequestIDLength+1)))
	h.ServeHTTP(httptest.NewRecorder(), req)
	_, err = uuid.Parse(seen)
	assert.NoError(t, err)
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	rec.WriteHeader(http.StatusNotFound)
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.Write([]byte("abc"))

	assert.Equal(t, http.StatusNotFound, rec.status)
	assert.Equal(t, int64(3), rec.size)
	assert.Same(t, rec, newStatusRecorder(rec))
	assert.NotNil(t, rec.Unwrap())
}

func TestAdminHandler(t *testing.T) {
	rt := router.New(nil)
	srv := New(config.ServerConfig{}, rt, nil, logging.NewLogger(logging.Config{Output: io.Discard}))
	admin := srv.AdminHandler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	assert.JSONEq(t, `[]`, get("/routes").Body.String())

	rt.Swap(testTable(t))
	t.Cleanup(func() { _ = rt.Close() })

	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	var routes []router.RouteInfo
	require.NoError(t, json.Unmarshal(get("/routes").Body.Bytes(), &routes))
	require.Len(t, routes, 2)
	assert.Equal(t, "/data/", routes[0].Pattern)
	assert.Equal(t, "text/xml", routes[0].MediaType)

	srv.Metrics().RecordConfigReload("success")
	srv.Metrics().SetActiveRoutes(2)
	body := get("/metrics").Body.String()
	assert.Contains(t, body, `render_config_reloads_total{status="success"} 1`)
	assert.Contains(t, body, "render_routes_active 2")
	assert.Contains(t, body, `render_http_requests_total{listener="admin",method="GET",status_code="200"}`)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	rt := router.New(testTable(t))
	t.Cleanup(func() { _ = rt.Close() })
	srv := New(config.ServerConfig{ShutdownTimeout: time.Second}, rt, nil,
		logging.NewLogger(logging.Config{Output: io.Discard}))

	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	adminLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, dataLn, adminLn) }()

	resp, err := http.Get("http://" + dataLn.Addr().String() + "/data/a.xml")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "<ul><li>one</li><li>two</li></ul>", string(body))
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))

	resp, err = http.Get("http://" + adminLn.Addr().String() + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
