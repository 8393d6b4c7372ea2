// Package backfill implements the offline client that discovers historical
// session transcripts on disk and drives them through the same ingest
// pipeline live events use, so a newly onboarded workstation's history
// becomes queryable without waiting for new sessions.
package backfill

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSkipActiveThreshold is how recently a transcript file must have
// been modified to be treated as a still-running session and skipped.
const DefaultSkipActiveThreshold = 5 * time.Minute

// ScanOptions configures ScanForSessions.
type ScanOptions struct {
	// SkipActiveThreshold defaults to DefaultSkipActiveThreshold when zero.
	SkipActiveThreshold time.Duration
	// Now is used in place of time.Now for threshold comparisons; tests set
	// it to a fixed instant.
	Now time.Time
}

// DiscoveredSession is one transcript file found by ScanForSessions.
type DiscoveredSession struct {
	SessionID      string
	TranscriptPath string
	FileSizeBytes  int64
}

// SkipCounts tallies transcripts the scan deliberately excluded.
type SkipCounts struct {
	Subagents int
	Active    int
}

// ScanResult is the return value of ScanForSessions.
type ScanResult struct {
	Discovered []DiscoveredSession
	Skipped    SkipCounts
	Errors     []string
}

// ScanForSessions walks projectsRoot for session transcript files, skipping
// subagent transcripts (nested under a "subagents" directory) and any file
// whose mtime is within opts.SkipActiveThreshold of now, since those belong
// to sessions that may still be capturing. A walk error on one entry is
// recorded in Errors and does not abort the rest of the scan.
func ScanForSessions(projectsRoot string, opts ScanOptions) (ScanResult, error) {
	threshold := opts.SkipActiveThreshold
	if threshold <= 0 {
		threshold = DefaultSkipActiveThreshold
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var result ScanResult

	err := filepath.WalkDir(projectsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}

		if isSubagentTranscript(projectsRoot, path) {
			result.Skipped.Subagents++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return nil
		}

		if now.Sub(info.ModTime()) < threshold {
			result.Skipped.Active++
			return nil
		}

		sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
		result.Discovered = append(result.Discovered, DiscoveredSession{
			SessionID:      sessionID,
			TranscriptPath: path,
			FileSizeBytes:  info.Size(),
		})
		return nil
	})
	if err != nil {
		return result, err
	}

	return result, nil
}

// isSubagentTranscript reports whether path has a "subagents" path segment
// between projectsRoot and the transcript file, the on-disk convention for
// a subagent's own transcript rather than a top-level session.
func isSubagentTranscript(projectsRoot, path string) bool {
	rel, err := filepath.Rel(projectsRoot, path)
	if err != nil {
		return false
	}
	for _, segment := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if segment == "subagents" {
			return true
		}
	}
	return false
}
