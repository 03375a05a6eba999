// Package auth gates operator HTTP routes behind a shared bearer token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator checks a bearer token.
type Validator interface {
	Validate(token string) error
}

// BearerToken accepts exactly one token. An empty token denies everything.
type BearerToken string

func (b BearerToken) Validate(token string) error {
	if b == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(b), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FromRequest returns the token of an "Authorization: Bearer" header.
func FromRequest(req *http.Request) (string, bool) {
	h := req.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Require rejects requests whose bearer token v does not accept. A nil v lets
// every request through.
func Require(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token, ok := FromRequest(req)
			if !ok || v.Validate(token) != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="robotsim"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
