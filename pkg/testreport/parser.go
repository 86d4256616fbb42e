// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package testreport converts test-runner output into a uniform
// TestSummary. Supported formats: pytest and jest text output, JUnit
// XML, and playwright text output.
package testreport

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/teradata-labs/swarm/pkg/types"
)

// Source formats.
const (
	FormatPytest     = "pytest"
	FormatJUnit      = "junit"
	FormatJest       = "jest"
	FormatPlaywright = "playwright"
)

// Parse converts raw runner output in the named format into a
// TestSummary. Unknown formats return an error; partial output yields a
// best-effort summary rather than failing.
func Parse(format, raw string) (*types.TestSummary, error) {
	switch format {
	case FormatPytest:
		return parsePytest(raw), nil
	case FormatJUnit:
		return parseJUnit(raw)
	case FormatJest:
		return parseJest(raw), nil
	case FormatPlaywright:
		return parsePlaywright(raw), nil
	default:
		return nil, fmt.Errorf("unknown test output format %q", format)
	}
}

// Detect guesses the format of raw runner output. JUnit is recognized by
// its XML prologue, jest by its "Tests:" summary line, playwright by its
// "Running N tests" banner; everything else is treated as pytest.
func Detect(raw string) string {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, "<?xml") || strings.HasPrefix(trimmed, "<testsuite"):
		return FormatJUnit
	case strings.Contains(raw, "Tests:") && strings.Contains(raw, "Snapshots:"):
		return FormatJest
	case regexp.MustCompile(`Running \d+ tests? using`).MatchString(raw):
		return FormatPlaywright
	default:
		return FormatPytest
	}
}

func finish(s *types.TestSummary) *types.TestSummary {
	for _, f := range s.Failures {
		s.ErrorSignatures = append(s.ErrorSignatures, Signature(f.Name, f.Message))
	}
	if s.Total == 0 {
		s.Total = s.Passed + s.Failed + s.Errors + s.Skipped
	}
	return s
}

// ============================================================================
// pytest
// ============================================================================

var (
	rePytestSummary  = regexp.MustCompile(`(\d+) (passed|failed|error(?:s)?|skipped|xfailed|xpassed)`)
	rePytestDuration = regexp.MustCompile(`in ([\d.]+)s`)
	rePytestFailed   = regexp.MustCompile(`(?m)^FAILED ([^\s]+)(?: - (.*))?$`)
	rePytestError    = regexp.MustCompile(`(?m)^ERROR ([^\s]+)(?: - (.*))?$`)
	rePytestCoverage = regexp.MustCompile(`TOTAL\s+\d+\s+\d+\s+(\d+)%`)
)

func parsePytest(raw string) *types.TestSummary {
	s := &types.TestSummary{SourceFormat: FormatPytest}

	for _, m := range rePytestSummary.FindAllStringSubmatch(raw, -1) {
		n, _ := strconv.Atoi(m[1])
		switch {
		case m[2] == "passed":
			s.Passed = n
		case m[2] == "failed":
			s.Failed = n
		case strings.HasPrefix(m[2], "error"):
			s.Errors = n
		case m[2] == "skipped":
			s.Skipped = n
		}
	}
	if m := rePytestDuration.FindStringSubmatch(raw); m != nil {
		if sec, err := strconv.ParseFloat(m[1], 64); err == nil {
			s.DurationMs = int64(sec * 1000)
		}
	}
	for _, m := range rePytestFailed.FindAllStringSubmatch(raw, -1) {
		s.Failures = append(s.Failures, types.TestFailure{Name: m[1], Message: m[2]})
	}
	for _, m := range rePytestError.FindAllStringSubmatch(raw, -1) {
		s.Failures = append(s.Failures, types.TestFailure{Name: m[1], Message: m[2]})
	}
	if m := rePytestCoverage.FindStringSubmatch(raw); m != nil {
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
			s.CoveragePercent = &pct
		}
	}
	return finish(s)
}

// ============================================================================
// JUnit XML
// ============================================================================

type junitTestsuites struct {
	XMLName xml.Name     `xml:"testsuites"`
	Suites  []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Errors   int         `xml:"errors,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     float64     `xml:"time,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Failure   *junitFailure `xml:"failure"`
	Error     *junitFailure `xml:"error"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

func parseJUnit(raw string) (*types.TestSummary, error) {
	s := &types.TestSummary{SourceFormat: FormatJUnit}

	var suites []junitSuite
	var multi junitTestsuites
	if err := xml.Unmarshal([]byte(raw), &multi); err == nil {
		suites = multi.Suites
	} else {
		var single junitSuite
		if err := xml.Unmarshal([]byte(raw), &single); err != nil {
			return nil, fmt.Errorf("parse junit xml: %w", err)
		}
		suites = []junitSuite{single}
	}

	for _, suite := range suites {
		s.Total += suite.Tests
		s.Failed += suite.Failures
		s.Errors += suite.Errors
		s.Skipped += suite.Skipped
		s.DurationMs += int64(suite.Time * 1000)
		for _, c := range suite.Cases {
			name := c.Name
			if c.ClassName != "" {
				name = c.ClassName + "." + c.Name
			}
			if c.Failure != nil {
				s.Failures = append(s.Failures, types.TestFailure{Name: name, Message: c.Failure.Message})
			}
			if c.Error != nil {
				s.Failures = append(s.Failures, types.TestFailure{Name: name, Message: c.Error.Message})
			}
		}
	}
	s.Passed = s.Total - s.Failed - s.Errors - s.Skipped
	if s.Passed < 0 {
		s.Passed = 0
	}
	return finish(s), nil
}

// ============================================================================
// jest
// ============================================================================

var (
	reJestTests    = regexp.MustCompile(`Tests:\s+(?:(\d+) failed, )?(?:(\d+) skipped, )?(?:(\d+) passed, )?(\d+) total`)
	reJestTime     = regexp.MustCompile(`Time:\s+([\d.]+)\s*s`)
	reJestFailLine = regexp.MustCompile(`(?m)^\s*● (.+)$`)
)

func parseJest(raw string) *types.TestSummary {
	s := &types.TestSummary{SourceFormat: FormatJest}

	if m := reJestTests.FindStringSubmatch(raw); m != nil {
		s.Failed, _ = strconv.Atoi(m[1])
		s.Skipped, _ = strconv.Atoi(m[2])
		s.Passed, _ = strconv.Atoi(m[3])
		s.Total, _ = strconv.Atoi(m[4])
	}
	if m := reJestTime.FindStringSubmatch(raw); m != nil {
		if sec, err := strconv.ParseFloat(m[1], 64); err == nil {
			s.DurationMs = int64(sec * 1000)
		}
	}
	seen := map[string]bool{}
	for _, m := range reJestFailLine.FindAllStringSubmatch(raw, -1) {
		name := strings.TrimSpace(m[1])
		if seen[name] || strings.HasPrefix(name, "Cannot ") {
			continue
		}
		seen[name] = true
		s.Failures = append(s.Failures, types.TestFailure{Name: name})
	}
	return finish(s)
}

// ============================================================================
// playwright
// ============================================================================

var (
	rePWPassed   = regexp.MustCompile(`(?m)^\s*(\d+) passed \(([\d.]+)(m?s)\)`)
	rePWFailed   = regexp.MustCompile(`(?m)^\s*(\d+) failed`)
	rePWSkipped  = regexp.MustCompile(`(?m)^\s*(\d+) skipped`)
	rePWFailLine = regexp.MustCompile(`(?m)^\s*\d+\) (.+?)\s*$`)
)

func parsePlaywright(raw string) *types.TestSummary {
	s := &types.TestSummary{SourceFormat: FormatPlaywright}

	if m := rePWPassed.FindStringSubmatch(raw); m != nil {
		s.Passed, _ = strconv.Atoi(m[1])
		if dur, err := strconv.ParseFloat(m[2], 64); err == nil {
			if m[3] == "ms" {
				s.DurationMs = int64(dur)
			} else {
				s.DurationMs = int64(dur * 1000)
			}
		}
	}
	if m := rePWFailed.FindStringSubmatch(raw); m != nil {
		s.Failed, _ = strconv.Atoi(m[1])
	}
	if m := rePWSkipped.FindStringSubmatch(raw); m != nil {
		s.Skipped, _ = strconv.Atoi(m[1])
	}
	seen := map[string]bool{}
	for _, m := range rePWFailLine.FindAllStringSubmatch(raw, -1) {
		name := strings.TrimSpace(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		s.Failures = append(s.Failures, types.TestFailure{Name: name})
	}
	return finish(s)
}
