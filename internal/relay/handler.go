// Package relay serves the gateway wire contract for development: it
// fetches the target named in the url parameter and returns it with a
// permissive CORS header set.
package relay

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/validation"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; podds-relay/1.0)"

// forwarded lists request headers passed through to the upstream.
var forwarded = []string{"Range", "If-Modified-Since", "If-None-Match", "If-Range"}

// stripped lists upstream response headers never copied to the client.
// The body has already been decoded, so its original encoding and framing
// no longer apply.
var stripped = map[string]bool{
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Connection":        true,
}

type Options struct {
	Client    *http.Client
	UserAgent string
	// Validator checks the url parameter. Defaults to rejecting local
	// network targets.
	Validator *validation.URLValidator
}

type Handler struct {
	client    *http.Client
	userAgent string
	validator *validation.URLValidator
	router    chi.Router
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		client:    opts.Client,
		userAgent: opts.UserAgent,
		validator: opts.Validator,
	}
	if h.client == nil {
		h.client = &http.Client{}
	}
	if h.userAgent == "" {
		h.userAgent = defaultUserAgent
	}
	if h.validator == nil {
		h.validator = validation.NewRelayTargetValidator()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Options("/", h.handlePreflight)
	r.Get("/", h.handleProxy)
	r.Head("/", h.handleProxy)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "*")
	hdr.Set("Access-Control-Max-Age", "0")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "missing 'url' parameter", http.StatusBadRequest)
		return
	}
	target, err := h.validator.Parse(raw)
	if errors.Is(err, validation.ErrLocalTarget) {
		http.Error(w, "target not permitted", http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "invalid url: "+err.Error(), http.StatusBadRequest)
		return
	}

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), nil)
	if err != nil {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}
	for _, k := range forwarded {
		if v := r.Header.Get(k); v != "" {
			upReq.Header.Set(k, v)
		}
	}
	upReq.Header.Set("User-Agent", h.userAgent)
	upReq.Header.Set("Accept", "*/*")
	upReq.Header.Set("Referer", target.Scheme+"://"+target.Host)

	resp, err := h.client.Do(upReq)
	if err != nil {
		debuglog.Warnf("relay: fetching %s: %v", target, err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	out := w.Header()
	for k, vs := range resp.Header {
		ck := http.CanonicalHeaderKey(k)
		if stripped[ck] || strings.HasPrefix(ck, "Access-Control-") {
			continue
		}
		for _, v := range vs {
			out.Add(ck, v)
		}
	}
	out.Set("Access-Control-Allow-Origin", "*")
	out.Set("Access-Control-Expose-Headers", "*")
	out.Set("Accept-Ranges", "bytes")

	debuglog.Debugf("relay: %s %s -> %d", r.Method, target, resp.StatusCode)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		debuglog.Warnf("relay: streaming %s: %v", target, err)
	}
}
