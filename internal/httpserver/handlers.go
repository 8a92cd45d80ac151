package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/I90Runner/ledge/internal/headers"
	"github.com/I90Runner/ledge/internal/keychain"
	"github.com/I90Runner/ledge/internal/lifecycle"
	"github.com/I90Runner/ledge/internal/purge"
)

type handlers struct {
	lifecycle *lifecycle.Lifecycle
	purge     *purge.Coordinator
	logger    *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// serve handles GET/HEAD requests through the cache lifecycle.
func (h *handlers) serve(w http.ResponseWriter, r *http.Request) {
	req := lifecycle.Request{
		Method:   r.Method,
		Scheme:   schemeOf(r),
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Headers:  headersFromRequest(r),
		Body:     r.Body,
	}

	result, err := h.lifecycle.Handle(r.Context(), req)
	if err != nil {
		h.logger.Error("lifecycle handling failed", "path", r.URL.Path, "error", err)
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}

	applyHeadersTo(w, result.Headers)
	w.WriteHeader(result.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(result.Body)
	}
}

// purgeRequest handles the custom PURGE method (spec §4.8). A path
// containing '*' is a wildcard purge, scheduled asynchronously; anything
// else is an exact-key purge, resolved synchronously.
func (h *handlers) purgeRequest(w http.ResponseWriter, r *http.Request) {
	mode := purge.Mode(r.Header.Get("X-Purge"))
	wildcard := strings.Contains(r.URL.Path, "*")

	root := keychain.Fingerprint(http.MethodGet, schemeOf(r), r.Host, r.URL.Path, r.URL.RawQuery)

	// The fingerprint doubles as the wildcard scan pattern (for example
	// "GET:http://host/p*"), the root form ExecutePattern matches keys by.
	outcome, err := h.purge.Purge(r.Context(), root, root, mode, wildcard)
	if err != nil {
		h.logger.Error("purge failed", "path", r.URL.Path, "error", err)
		http.Error(w, "purge failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if outcome.Result == purge.ResultNothingToPurge || outcome.Result == purge.ResultAlreadyExpired {
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(outcome)
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		return fwd
	}
	return "http"
}

func headersFromRequest(r *http.Request) *headers.Bag {
	b := headers.New()
	for name, values := range r.Header {
		for _, v := range values {
			b.Add(name, v)
		}
	}
	return b
}

func applyHeadersTo(w http.ResponseWriter, bag *headers.Bag) {
	if bag == nil {
		return
	}
	bag.Each(func(name, value string) {
		w.Header().Set(name, value)
	})
}
