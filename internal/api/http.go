package api

import (
	"encoding/json"
	"net/http"

	"jobrig/internal/model"
)

// WriteJSON writes an envelope (or any payload) as JSON. RPC-level failures
// still travel with HTTP 200; the envelope code is authoritative.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a request body into dst, rejecting unknown junk sizes.
func ReadJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 8<<20))
	return dec.Decode(dst)
}

// TokenMiddleware rejects requests whose access token header does not match.
// An empty configured token disables the check.
func TokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get(AccessTokenHeader) != token {
				WriteJSON(w, Result{Code: model.CodeAuth, Msg: "access token mismatch"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
