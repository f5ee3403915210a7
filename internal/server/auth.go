// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards mutating endpoints with the configured API token. An
// empty token disables the check entirely (local development only), per
// spec.md §6 "All mutating endpoints are guarded by an optional bearer
// token."
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkProjectToken enforces a Project's own optional per-project token
// (spec.md §1 "an optional per-project token check") in addition to the
// global bearer token. An empty Project.APIToken disables the check.
func checkProjectToken(r *http.Request, projectToken string) bool {
	if projectToken == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("X-Project-Token"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(projectToken)) == 1
}
