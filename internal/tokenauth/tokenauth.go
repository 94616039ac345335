// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tokenauth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Verifier checks presented admin tokens against the server's configured
// secret. When a bcrypt hash is configured it takes precedence over the
// plain token, so operators can keep the secret itself out of config files.
type Verifier struct {
	token     string
	tokenHash string
}

// NewVerifier builds a verifier from the configured token and/or token hash.
func NewVerifier(token, tokenHash string) *Verifier {
	return &Verifier{
		token:     token,
		tokenHash: tokenHash,
	}
}

// Disabled reports whether no secret is configured at all. A disabled
// verifier accepts every token, matching the worker's historic behaviour of
// running the admin plane open in development.
func (v *Verifier) Disabled() bool {
	return v.token == "" && v.tokenHash == ""
}

// Verify reports whether the presented token grants admin access.
func (v *Verifier) Verify(presented string) bool {
	if v.Disabled() {
		return true
	}
	if presented == "" {
		return false
	}
	if v.tokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(v.tokenHash), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(v.token), []byte(presented)) == 1
}

// Hash produces a bcrypt hash of the given token, suitable for the
// admin_api.token_hash config key.
func Hash(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// FromRequest extracts the admin token from the request, trying the "token"
// query parameter first and the Authorization bearer header second.
func FromRequest(req *http.Request) string {
	if token := req.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := req.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return rest
	}
	return ""
}
