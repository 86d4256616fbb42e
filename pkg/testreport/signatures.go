// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package testreport

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	// Volatile details are scrubbed before hashing so a failure keeps the
	// same signature across iterations even when paths, line numbers, or
	// addresses shift.
	rePathLine = regexp.MustCompile(`(?:[A-Za-z]:)?[\w./\\-]+\.(?:go|py|ts|tsx|js|jsx|java|rb|rs)(?::\d+)*`)
	reLineNum  = regexp.MustCompile(`\bline \d+\b`)
	reHexAddr  = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reSpace    = regexp.MustCompile(`\s+`)
)

// NormalizeFailure canonicalizes a (test name, message) pair for hashing.
func NormalizeFailure(name, message string) string {
	s := name + "|" + message
	s = rePathLine.ReplaceAllString(s, "<path>")
	s = reLineNum.ReplaceAllString(s, "line <n>")
	s = reHexAddr.ReplaceAllString(s, "<addr>")
	s = reSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Signature returns the stable 16-char hash prefix for a failure. Used
// by stall detection to recognize repeated errors across iterations.
func Signature(name, message string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(NormalizeFailure(name, message)))
}
