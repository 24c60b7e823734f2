package job

import "time"

// StagedFile is a staged change with its last-modified time, as reported by
// the git collaborator.
type StagedFile struct {
	Path       string
	ModifiedAt time.Time
}

// ShouldRunTest decides whether a run of the given type is needed. It is a
// pure function of the last known record for that type and the staged
// files: false only when the prior run succeeded and no staged file was
// modified after that run completed.
func ShouldRunTest(last *Record, staged []StagedFile) bool {
	if last == nil || last.Status != StatusSucceeded || last.CompletedAt == nil {
		return true
	}
	for _, f := range staged {
		if f.ModifiedAt.After(*last.CompletedAt) {
			return true
		}
	}
	return false
}
