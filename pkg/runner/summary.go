package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/driftworks/autoloop/pkg/job"
)

// SummaryParser turns a finished job's captured output into a summary.
type SummaryParser func(stdoutPath, stderrPath string, waitErr error) (*job.Summary, error)

// maximum bytes of stderr kept as error text
const errorTextLimit = 4096

// ParseSummary is the default parser. Job commands may emit a single-line
// JSON trailer on stdout describing their result:
//
//	{"passed": 12, "failed": 1, "failing_tests": ["auth.spec.ts::login"], ...}
//
// When present it becomes the summary verbatim. Otherwise a summary is
// synthesized from the exit status and the tail of stderr.
func ParseSummary(stdoutPath, stderrPath string, waitErr error) (*job.Summary, error) {
	if trailer, err := readTrailer(stdoutPath); err != nil {
		return fallbackSummary(stderrPath, waitErr), err
	} else if trailer != nil {
		return trailer, nil
	}
	return fallbackSummary(stderrPath, waitErr), nil
}

// readTrailer scans stdout for the last line that parses as a summary
// object. Returns nil when no trailer is present.
func readTrailer(path string) (*job.Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stdout log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var last *job.Summary
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var s job.Summary
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			continue
		}
		if s.Passed == 0 && s.Failed == 0 && len(s.FailingTests) == 0 && s.Coverage == nil {
			continue
		}
		s2 := s
		last = &s2
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan stdout log: %w", err)
	}
	return last, nil
}

func fallbackSummary(stderrPath string, waitErr error) *job.Summary {
	if waitErr == nil {
		return nil
	}
	text := tailOf(stderrPath)
	if text == "" {
		text = waitErr.Error()
	}
	return &job.Summary{ErrorText: text}
}

func tailOf(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(b))
	if len(s) > errorTextLimit {
		s = s[len(s)-errorTextLimit:]
	}
	return s
}
