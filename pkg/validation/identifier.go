// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers supplied by devices before they are
// used to build storage keys or metric labels.
//
// Device and app IDs end up inside badger keys such as
// mau/{app}/{month}/{device}. A '/' or control character in either would let
// one device's records collide with another's, so only a conservative
// character set is accepted.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches device, app, and channel identifiers.
// Allows: ASCII letters, digits, and . _ : - after an alphanumeric first byte.
// Max length: 128 characters (UUIDs and vendor device IDs fit comfortably)
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidateIdentifier reports whether id is safe to embed in a storage key.
//
// Valid identifiers:
//   - 1-128 characters
//   - ASCII letters and digits
//   - Dots, underscores, colons, and hyphens after the first character
//
// kind names the field in the error ("deviceId", "appId").
//
// Example:
//
//	if err := validation.ValidateIdentifier("deviceId", req.DeviceID); err != nil {
//	    return err
//	}
//	// Safe to use in a key
func ValidateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid %s: %q (must be 1-128 ASCII letters, digits, '.', '_', ':' or '-')", kind, id)
	}
	return nil
}

// ValidateOptionalIdentifier is ValidateIdentifier that also accepts "".
func ValidateOptionalIdentifier(kind, id string) error {
	if id == "" {
		return nil
	}
	return ValidateIdentifier(kind, id)
}

// SanitizeIdentifier trims surrounding whitespace and validates the result.
// Case is preserved; device IDs are case sensitive.
func SanitizeIdentifier(kind, id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentifier(kind, trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
