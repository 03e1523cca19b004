// Package refresh decides whether a source's pal output file is stale
// enough to warrant refetching the remote collection.
package refresh

import (
	"os"
	"time"

	"github.com/spf13/afero"
)

// MaxOutputAge is the staleness ceiling: an output file older than this is
// rewritten even when the remote collection is unchanged. Recurrence
// expansion is relative to "now", so the ±1-year occurrence window of an
// untouched output would otherwise drift stale.
const MaxOutputAge = 180 * 24 * time.Hour

// ShouldRefresh reports whether the output file behind outputMTime must be
// regenerated, together with the reason for the decision.
//
// outputMTime is nil when the output file does not exist yet;
// remoteModified is nil when the transport supplied no modification
// timestamp. Pure function: both triggers (the age ceiling and the
// Last-Modified comparison) depend only on the arguments.
func ShouldRefresh(now time.Time, outputMTime, remoteModified *time.Time) (bool, string) {
	if outputMTime == nil {
		return true, "output file does not exist"
	}

	if now.Sub(*outputMTime) > MaxOutputAge {
		return true, "output file older than staleness ceiling"
	}

	if remoteModified != nil && !remoteModified.After(*outputMTime) {
		return false, "remote collection not newer than output file"
	}

	return true, "remote collection changed or change unknown"
}

// OutputMTime probes the output file's modification time, mapping a missing
// file to nil. Any other stat failure is returned as-is so the caller can
// treat it as a per-source error.
func OutputMTime(fs afero.Fs, path string) (*time.Time, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	mtime := fi.ModTime()
	return &mtime, nil
}
