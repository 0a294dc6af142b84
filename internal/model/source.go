// Package model defines the domain types shared by every reconciliation phase.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Source identifies an upstream feed family. Each source has exactly one
// registered transformer.
type Source string

const (
	SourceGrading Source = "grading"
	SourceCombine Source = "combine"
	SourceStats   Source = "stats"
	SourceInjury  Source = "injury"
)

// KnownSources returns every supported source in dispatch order.
func KnownSources() []Source {
	return []Source{SourceGrading, SourceCombine, SourceStats, SourceInjury}
}

// ParseSource converts a string into a known Source.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownSources() {
		if src == known {
			return src, nil
		}
	}
	return "", eris.Errorf("model: unknown source %q", s)
}

// Outcome classifies the result of a record transform or a phase attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeRetryable   Outcome = "retryable"
	OutcomeFatal       Outcome = "fatal"
)
