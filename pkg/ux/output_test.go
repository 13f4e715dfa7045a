// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withMode(t *testing.T, m Mode) {
	t.Helper()
	prev := GetMode()
	SetMode(m)
	t.Cleanup(func() { SetMode(prev) })
}

func TestPlainOutput(t *testing.T) {
	withMode(t, ModePlain)
	var buf bytes.Buffer

	Success(&buf, "applied 1.1.0")
	Warning(&buf, "verification pending")
	Error(&buf, "no previous version")
	assert.Equal(t, "OK: applied 1.1.0\nWARN: verification pending\nERROR: no previous version\n", buf.String())

	buf.Reset()
	Panel(&buf, "Status", []Field{
		{Label: "current", Value: "1.1.0", Icon: IconSuccess},
		{Label: "pending", Value: ""},
	})
	assert.Equal(t, "current\t1.1.0\npending\t\n", buf.String())
}

func TestRichPanelContainsFields(t *testing.T) {
	withMode(t, ModeRich)
	var buf bytes.Buffer

	Panel(&buf, "Device", []Field{
		{Label: "device id", Value: "abc"},
		{Label: "state", Value: "verifying", Icon: IconPending},
	})
	out := buf.String()
	assert.Contains(t, out, "Device")
	assert.Contains(t, out, "device id")
	assert.Contains(t, out, "verifying")
	assert.Contains(t, out, "╭", "rounded box border")
}

func TestInitModeHonorsPlainFlag(t *testing.T) {
	withMode(t, ModeRich)
	InitMode(true)
	assert.Equal(t, ModePlain, GetMode())

	t.Setenv("NO_COLOR", "1")
	InitMode(false)
	assert.Equal(t, ModePlain, GetMode())
}
