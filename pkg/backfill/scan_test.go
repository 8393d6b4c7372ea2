package backfill_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devstream-project/devstream/pkg/backfill"
)

func writeTranscript(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestScanForSessionsSkipsActiveAndSubagents(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	writeTranscript(t, filepath.Join(root, "proj-a", "cc-old.jsonl"), now.Add(-1*time.Hour))
	writeTranscript(t, filepath.Join(root, "proj-a", "cc-live.jsonl"), now.Add(-30*time.Second))
	writeTranscript(t, filepath.Join(root, "proj-a", "subagents", "cc-sub.jsonl"), now.Add(-1*time.Hour))

	result, err := backfill.ScanForSessions(root, backfill.ScanOptions{Now: now})
	require.NoError(t, err)

	require.Len(t, result.Discovered, 1)
	require.Equal(t, "cc-old", result.Discovered[0].SessionID)
	require.Equal(t, 1, result.Skipped.Active)
	require.Equal(t, 1, result.Skipped.Subagents)
	require.Empty(t, result.Errors)
}

func TestScanForSessionsCustomThreshold(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	writeTranscript(t, filepath.Join(root, "proj-b", "cc-recent.jsonl"), now.Add(-2*time.Minute))

	result, err := backfill.ScanForSessions(root, backfill.ScanOptions{
		Now:                 now,
		SkipActiveThreshold: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, result.Discovered, 1)
	require.Equal(t, int64(len(`{"type":"user"}`+"\n")), result.Discovered[0].FileSizeBytes)
}

func TestScanForSessionsEmptyRoot(t *testing.T) {
	root := t.TempDir()
	result, err := backfill.ScanForSessions(root, backfill.ScanOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Discovered)
}
