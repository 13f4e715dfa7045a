// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions("s3cret")
	if _, ok := opts.AuthProvider.(*StaticTokenProvider); !ok {
		t.Errorf("DefaultOptions().AuthProvider = %T, want *StaticTokenProvider", opts.AuthProvider)
	}

	if DefaultOptions("").AuthProvider != nil {
		t.Error("DefaultOptions(\"\").AuthProvider should be nil")
	}
}

func TestServiceOptions_WithAuth(t *testing.T) {
	original := DefaultOptions("s3cret")
	custom := &mockAuthProvider{subject: "ci"}

	updated := original.WithAuth(custom)

	if updated.AuthProvider != custom {
		t.Error("WithAuth should set the custom AuthProvider")
	}
	if _, ok := original.AuthProvider.(*StaticTokenProvider); !ok {
		t.Error("original options should be unchanged after WithAuth")
	}
}

// ============================================================================
// AuthProvider Tests
// ============================================================================

type mockAuthProvider struct {
	subject string
}

func (m *mockAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{Subject: m.subject}, nil
}

func TestStaticTokenProvider(t *testing.T) {
	ctx := context.Background()
	p := NewStaticTokenProvider("s3cret")

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"match", "s3cret", false},
		{"wrong", "s3cre", true},
		{"longer", "s3cret!", true},
		{"empty", "", true},
		{"case differs", "S3CRET", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := p.Validate(ctx, tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("Validate(%q) error = %v, want ErrUnauthorized", tt.token, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate(%q) error = %v", tt.token, err)
			}
			if info.Subject != "admin" || !info.HasRole(RoleAdmin) {
				t.Errorf("Validate(%q) = %+v, want admin subject with admin role", tt.token, info)
			}
		})
	}
}

func TestStaticTokenProvider_EmptyTokenRejectsAll(t *testing.T) {
	p := NewStaticTokenProvider("")
	if _, err := p.Validate(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Validate(\"\") error = %v, want ErrUnauthorized", err)
	}
}

func TestAuthInfo_HasRole(t *testing.T) {
	info := &AuthInfo{Subject: "ops", Roles: []string{"viewer", RoleAdmin}}
	if !info.HasRole(RoleAdmin) {
		t.Error("HasRole(admin) = false, want true")
	}
	if info.HasRole("owner") {
		t.Error("HasRole(owner) = true, want false")
	}
	if (&AuthInfo{Subject: "x"}).HasRole(RoleAdmin) {
		t.Error("nil roles should hold no role")
	}
}

func TestStaticTokenProvider_Concurrent(t *testing.T) {
	p := NewStaticTokenProvider("s3cret")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := p.Validate(context.Background(), "s3cret"); err != nil {
					t.Errorf("Validate() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
