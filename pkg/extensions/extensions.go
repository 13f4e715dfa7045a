// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines hooks the update server calls without depending
// on a concrete backend.
//
// # Extension Categories
//
//   - auth.go: Admin API authentication (AuthProvider)
//
// # Usage
//
// The server defaults to a single shared bearer token from its config:
//
//	opts := extensions.DefaultOptions(cfg.AdminToken)
//	srv, err := updateserver.New(ctx, cfg, updateserver.WithAuthProvider(opts.AuthProvider))
//
// Deployments with an identity provider supply their own AuthProvider.
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
type ServiceOptions struct {
	// AuthProvider authenticates admin API callers. Nil disables the admin
	// API.
	AuthProvider AuthProvider
}

// DefaultOptions returns options for a shared admin token. An empty token
// leaves AuthProvider nil.
func DefaultOptions(adminToken string) ServiceOptions {
	if adminToken == "" {
		return ServiceOptions{}
	}
	return ServiceOptions{AuthProvider: NewStaticTokenProvider(adminToken)}
}

// WithAuth returns a copy of opts using provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}
