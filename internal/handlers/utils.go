package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jason-s-yu/bingo/internal/auth"
	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/jason-s-yu/bingo/internal/models"
)

var errUnauthenticated = errors.New("missing auth token")
var errForbidden = errors.New("forbidden")

// extractCookieToken extracts a named cookie value from "Cookie" header, or returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}

// requestToken reads the token from the Authorization header, the auth_token cookie or,
// for websocket upgrades, the "token" query parameter.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if token := extractCookieToken(r.Header.Get("Cookie"), "auth_token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// identify authenticates the request.
func identify(r *http.Request) (auth.Identity, error) {
	token := requestToken(r)
	if token == "" {
		return auth.Identity{}, errUnauthenticated
	}
	return auth.AuthenticateJWT(token)
}

func cronAllowed(r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	got := r.Header.Get("X-Cron-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return models.ErrInvalid
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOK writes {"ok":true, ...fields}.
func writeOK(w http.ResponseWriter, fields map[string]interface{}) {
	body := map[string]interface{}{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthenticated), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrInitData):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, cache.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError writes {"ok":false,"error":...}. Store failures are not echoed to clients.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]interface{}{"ok": false, "error": err.Error()}
	switch status {
	case http.StatusServiceUnavailable:
		body["error"] = "store temporarily unavailable"
	case http.StatusInternalServerError:
		body["error"] = "internal error"
	}
	var taken *models.BoardTakenError
	if errors.As(err, &taken) {
		body["holder"] = taken.HolderName
		body["boardNumber"] = taken.BoardNumber
	}
	writeJSON(w, status, body)
}
