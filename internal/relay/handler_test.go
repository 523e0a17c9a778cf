package relay

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/podds/internal/gateway"
	"github.com/pders01/podds/internal/validation"
)

func upstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Header().Set("Access-Control-Allow-Origin", "https://only.example.org")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("X-Range", r.Header.Get("Range"))
		w.Header().Set("X-UA", r.Header.Get("User-Agent"))
		io.WriteString(w, "<rss/>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHandler() *Handler {
	return NewHandler(Options{
		UserAgent: "relay-test",
		Validator: &validation.URLValidator{AllowLocal: true, MaxLength: 8192},
	})
}

func relayURL(target string) string {
	return "/?url=" + url.QueryEscape(target) + "&nocache=123"
}

func TestRelay_ProxiesWithPermissiveHeaders(t *testing.T) {
	var hits atomic.Int32
	up := upstream(t, &hits)
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, relayURL(up.URL+"/feed.xml"), nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<rss/>", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "bytes=0-99", rec.Header().Get("X-Range"))
	assert.Equal(t, "relay-test", rec.Header().Get("X-UA"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRelay_RejectsBeforeUpstream(t *testing.T) {
	var hits atomic.Int32
	up := upstream(t, &hits)
	h := newTestHandler()

	tests := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"post", http.MethodPost, relayURL(up.URL), http.StatusMethodNotAllowed},
		{"put", http.MethodPut, relayURL(up.URL), http.StatusMethodNotAllowed},
		{"missing url", http.MethodGet, "/?nocache=1", http.StatusBadRequest},
		{"bad scheme", http.MethodGet, relayURL("ftp://files.example.org/a"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Zero(t, hits.Load())
}

func TestRelay_DeniesLocalTargetsByDefault(t *testing.T) {
	var hits atomic.Int32
	up := upstream(t, &hits)
	h := NewHandler(Options{})

	for _, target := range []string{up.URL, "http://192.168.1.10/feed", "http://localhost:8080/"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, relayURL(target), nil))
		assert.Equal(t, http.StatusForbidden, rec.Code, target)
	}
	assert.Zero(t, hits.Load())
}

func TestRelay_PreflightAndHead(t *testing.T) {
	var hits atomic.Int32
	up := upstream(t, &hits)
	h := newTestHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "HEAD")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, relayURL(up.URL), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

// The gateway client and the relay agree on the wire contract.
func TestRelay_ServesGatewayClient(t *testing.T) {
	var hits atomic.Int32
	up := upstream(t, &hits)
	relaySrv := httptest.NewServer(newTestHandler())
	defer relaySrv.Close()

	gw := gateway.NewClient(relaySrv.Client(), "podds-test/1.0")
	resp, err := gw.Fetch(t.Context(), gateway.Request{URL: up.URL + "/feed.xml", Primary: relaySrv.URL + "/"})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "<rss"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
