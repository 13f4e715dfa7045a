// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
)

// ErrUnauthorized is returned when a token is missing or invalid.
// Implementations should wrap it with context:
//
//	return nil, fmt.Errorf("token expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// RoleAdmin grants full access to the channel and release admin API.
const RoleAdmin = "admin"

// AuthInfo is the identity behind a validated token.
//
// Required fields:
//   - Subject: who the caller is ("admin" for the shared token)
//
// Optional fields:
//   - Roles: role memberships used for authorization
type AuthInfo struct {
	// Subject identifies the caller. Never empty.
	Subject string

	// Roles lists the caller's roles.
	Roles []string
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates bearer tokens for the admin API.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// Example identity provider implementation:
//
//	type OIDCProvider struct {
//	    verifier *oidc.IDTokenVerifier
//	}
//
//	func (p *OIDCProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
//	    idToken, err := p.verifier.Verify(ctx, token)
//	    if err != nil {
//	        return nil, fmt.Errorf("verify: %w", extensions.ErrUnauthorized)
//	    }
//	    return &AuthInfo{Subject: idToken.Subject, Roles: []string{extensions.RoleAdmin}}, nil
//	}
type AuthProvider interface {
	// Validate checks token and returns the caller's identity.
	//
	// Returns:
	//   - *AuthInfo: Identity if the token is valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors when
	//     the provider itself failed
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// StaticTokenProvider accepts exactly one shared token.
//
// Thread-safe: This implementation has no mutable state.
type StaticTokenProvider struct {
	token []byte
}

// NewStaticTokenProvider creates a provider for token. An empty token
// rejects every request.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: []byte(token)}
}

// Validate compares token in constant time.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if len(p.token) == 0 || subtle.ConstantTimeCompare([]byte(token), p.token) != 1 {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{Subject: "admin", Roles: []string{RoleAdmin}}, nil
}

// Compile-time interface compliance check.
var _ AuthProvider = (*StaticTokenProvider)(nil)
