// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Destructive command patterns rejected by the pre-tool hook. Sessions
// run with a high-trust tool policy, so the guard is the only thing
// between an agent and the working tree.
var destructivePatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`\bgit\s+push\b.*(--force\b|\s-f\b)`), "force push"},
	{regexp.MustCompile(`\bgit\s+reset\s+--hard\b`), "hard reset"},
	{regexp.MustCompile(`\bsudo\s+rm\b`), "privileged delete"},
	{regexp.MustCompile(`>\s*/dev/(sd|nvme|hd|disk)`), "raw device write"},
	{regexp.MustCompile(`:\s*\(\s*\)\s*\{.*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`\bmkfs\b|\bdd\s+.*of=/dev/`), "disk format or overwrite"},
}

// isRecursiveForceDelete reports whether the command invokes rm with
// both a recursive and a force flag, combined (-rf, -fr) or split
// across tokens (-r -f). Scanning stops at shell separators so flags
// of a later command are not attributed to the rm.
func isRecursiveForceDelete(command string) bool {
	fields := strings.Fields(command)
	for i, f := range fields {
		if f != "rm" && !strings.HasSuffix(f, "/rm") {
			continue
		}
		var recursive, force bool
		for _, tok := range fields[i+1:] {
			if tok == ";" || tok == "|" || tok == "&&" || tok == "||" {
				break
			}
			switch {
			case tok == "--recursive":
				recursive = true
			case tok == "--force":
				force = true
			case strings.HasPrefix(tok, "-") && !strings.HasPrefix(tok, "--"):
				if strings.ContainsAny(tok, "rR") {
					recursive = true
				}
				if strings.Contains(tok, "f") {
					force = true
				}
			}
		}
		if recursive && force {
			return true
		}
	}
	return false
}

// CheckCommand rejects shell commands matching a destructive pattern.
func CheckCommand(command string) error {
	if isRecursiveForceDelete(command) {
		return fmt.Errorf("command rejected by safety guard (recursive force delete): %q", command)
	}
	for _, p := range destructivePatterns {
		if p.re.MatchString(command) {
			return fmt.Errorf("command rejected by safety guard (%s): %q", p.reason, command)
		}
	}
	return nil
}
