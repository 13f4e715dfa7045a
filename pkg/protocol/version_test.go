// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", CanonicalVersion("1.2.0"))
	assert.Equal(t, "v1.2.0", CanonicalVersion("v1.2.0"))
}

func TestSameVersion(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.2.0", "1.2.0", true},
		{"v1.2.0", "1.2.0", true},
		{"1.2.0", "v1.2.0", true},
		{"1.2.0", "1.2.1", false},
		{"", "", false},
		{"", "v", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SameVersion(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}
