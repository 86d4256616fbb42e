// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package types

import "strings"

// Decision is a canonical routing decision.
type Decision string

const (
	DecisionAdvance   Decision = "advance"
	DecisionLoop      Decision = "loop"
	DecisionTerminate Decision = "terminate"
	DecisionBranch    Decision = "branch"
)

// decisionAliases maps every accepted routing vocabulary word onto its
// canonical decision. Router LLMs are prompted for canonical words but in
// practice emit synonyms; the table keeps parsing deterministic.
var decisionAliases = map[string]Decision{
	"advance":  DecisionAdvance,
	"proceed":  DecisionAdvance,
	"continue": DecisionAdvance,
	"next":     DecisionAdvance,

	"loop":   DecisionLoop,
	"rerun":  DecisionLoop,
	"retry":  DecisionLoop,
	"repeat": DecisionLoop,

	"terminate": DecisionTerminate,
	"blocked":   DecisionTerminate,
	"stop":      DecisionTerminate,
	"end":       DecisionTerminate,
	"exit":      DecisionTerminate,

	"branch":   DecisionBranch,
	"route":    DecisionBranch,
	"switch":   DecisionBranch,
	"redirect": DecisionBranch,
}

// ParseDecision maps a raw decision string onto the canonical vocabulary.
// Unknown words default to advance, the conservative choice: the flow
// keeps moving instead of looping or dying on a typo.
func ParseDecision(raw string) Decision {
	if d, ok := decisionAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return d
	}
	return DecisionAdvance
}
