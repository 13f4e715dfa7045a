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

import "strings"

// CanonicalVersion returns v with a leading "v", the form semver comparison
// expects. Servers and devices compare bundle versions in this form so that
// "1.2.0" and "v1.2.0" name the same release.
func CanonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// SameVersion reports whether a and b name the same bundle version. An empty
// version matches nothing.
func SameVersion(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return CanonicalVersion(a) == CanonicalVersion(b)
}
