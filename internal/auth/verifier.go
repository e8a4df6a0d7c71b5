// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

// Package auth verifies transport-level connection tokens.
//
// Chatrelay does not authenticate users — the upstream identity layer issues
// short-lived HS256 tokens after its own checks, and the gateway only
// verifies the signature and reads the identity claims. Who may join which
// room is decided before this core is ever invoked.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Auth modes.
const (
	ModeNone = "none"
	ModeJWT  = "jwt"
)

var (
	// ErrMissingToken indicates no token was presented on the connection.
	ErrMissingToken = errors.New("missing connection token")

	// ErrInvalidToken indicates signature verification or claim parsing failed.
	ErrInvalidToken = errors.New("invalid connection token")
)

// Identity is the upstream-issued identity bound to one connection.
type Identity struct {
	UserID   string
	UserName string
	Role     string
	Avatar   *string
}

// Verifier checks connection tokens according to the configured auth mode.
type Verifier struct {
	mode   string
	secret []byte
}

// NewVerifier creates a verifier. In ModeNone every connection is admitted
// with the identity taken from query parameters (development only).
func NewVerifier(mode, secret string) *Verifier {
	return &Verifier{mode: mode, secret: []byte(secret)}
}

// claims are the expected token claims. Subject carries the user id.
type claims struct {
	Name   string  `json:"name"`
	Role   string  `json:"role"`
	Avatar *string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// FromRequest extracts and verifies the identity for an incoming connection.
// The token is read from the Authorization header ("Bearer ...") or, for
// browser WebSocket clients that cannot set headers, the "token" query
// parameter.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	if v.mode == ModeNone {
		return identityFromQuery(r)
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	return v.Verify(token)
}

// Verify parses and validates a raw token string.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:   c.Subject,
		UserName: c.Name,
		Role:     c.Role,
		Avatar:   c.Avatar,
	}, nil
}

// identityFromQuery builds an unverified identity for auth_mode "none".
func identityFromQuery(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		return Identity{}, ErrMissingToken
	}
	identity := Identity{
		UserID:   userID,
		UserName: q.Get("userName"),
		Role:     q.Get("userRole"),
	}
	if avatar := q.Get("userAvatar"); avatar != "" {
		identity.Avatar = &avatar
	}
	return identity, nil
}

// bearerToken reads a Bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
