package autofix

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/driftworks/autoloop/pkg/job"
)

// Fingerprint is the canonical identity of one round of failures. Two
// rounds with the same fingerprint are considered the same breakage: the
// loop halts rather than burn attempts on a fix that changes nothing.
type Fingerprint string

// Failure is one failing job type in a result round.
type Failure struct {
	Type job.Type

	// FailingTests are stable test identifiers from the job summary.
	FailingTests []string

	// Report and ErrorText feed the normalized excerpt.
	Report    string
	ErrorText string

	// Uncovered holds coverage locations when the failure is a coverage
	// gate rather than failing tests.
	Uncovered    []string
	CoverageGate bool
}

const excerptLimit = 512

var (
	pathPattern   = regexp.MustCompile(`(?:[A-Za-z]:)?(?:/[\w.\-]+){2,}`)
	numberPattern = regexp.MustCompile(`\d+`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// normalizeExcerpt makes report text stable across runs: absolute paths
// collapse to their base name and every number becomes '#' so line numbers,
// durations and temp dirs do not defeat fingerprint equality.
func normalizeExcerpt(s string) string {
	s = pathPattern.ReplaceAllStringFunc(s, filepath.Base)
	s = numberPattern.ReplaceAllString(s, "#")
	s = spacePattern.ReplaceAllString(strings.TrimSpace(s), " ")
	if len(s) > excerptLimit {
		s = s[:excerptLimit]
	}
	return s
}

// FingerprintOf builds the canonical fingerprint for a round of failures.
// Input ordering never matters: failures, test ids and coverage locations
// are all sorted before joining.
func FingerprintOf(failures []Failure) Fingerprint {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		tests := append([]string(nil), f.FailingTests...)
		sort.Strings(tests)
		uncovered := append([]string(nil), f.Uncovered...)
		sort.Strings(uncovered)

		parts = append(parts, strings.Join([]string{
			f.Type.String(),
			strings.Join(tests, ","),
			normalizeExcerpt(f.Report + " " + f.ErrorText),
			strings.Join(uncovered, ","),
		}, "|"))
	}
	sort.Strings(parts)
	return Fingerprint(strings.Join(parts, "\n"))
}

// FailureFromRecord classifies a terminal record. It returns nil when the
// record is not a failure: passing, cancelled or still in flight. A
// succeeded test run that misses its coverage thresholds is a coverage-gate
// failure.
func FailureFromRecord(rec job.Record) *Failure {
	switch rec.Status {
	case job.StatusFailed:
		f := &Failure{Type: rec.Type}
		if rec.Summary != nil {
			f.FailingTests = rec.Summary.FailingTests
			f.Report = rec.Summary.Report
			f.ErrorText = rec.Summary.ErrorText
			if rec.Summary.Coverage != nil {
				f.Uncovered = rec.Summary.Coverage.UncoveredLines
			}
		}
		return f
	case job.StatusSucceeded:
		if rec.Summary == nil || rec.Summary.Coverage.MeetsThresholds() {
			return nil
		}
		return &Failure{
			Type:         rec.Type,
			Report:       rec.Summary.Report,
			Uncovered:    rec.Summary.Coverage.UncoveredLines,
			CoverageGate: true,
		}
	default:
		return nil
	}
}
