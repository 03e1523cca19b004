// Package pal renders occurrence sets into pal event files and writes them
// atomically.
//
// The file grammar is the one pal itself reads: a header line naming the
// calendar, then one event per line. All-day events carry bare dates, timed
// events a time range, and multi-day spans use either the DAILY range form
// or an open start time.
package pal

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/DrMcCoy/caldav2pal/internal/model"
)

const untitledEvent = "[Event without title]"

var summaryFlattener = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Render serializes occurrences in their given order. The first line is
// "<shorthand> <name>", which pal uses to tag every event from this file.
// Output depends only on the input, so re-rendering the same sequence is
// byte-identical.
func Render(src model.Source, occurrences []model.Occurrence) []byte {
	var buf bytes.Buffer

	buf.WriteString(src.Shorthand)
	buf.WriteByte(' ')
	buf.WriteString(src.Name)
	buf.WriteByte('\n')

	for _, occ := range occurrences {
		buf.WriteString(eventLine(occ))
		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

func eventLine(occ model.Occurrence) string {
	summary := sanitizeSummary(occ.Summary)

	startDate := occ.Start.Format("20060102")
	endDate := occ.End.Format("20060102")
	sameDay := startDate == endDate

	if occ.AllDay {
		if sameDay {
			return startDate + " " + summary
		}
		return "DAILY:" + startDate + ":" + endDate + " " + summary
	}

	if sameDay {
		return fmt.Sprintf("%s [%s-%s] %s",
			startDate, occ.Start.Format("15:04"), occ.End.Format("15:04"), summary)
	}
	// Timed events running past midnight keep only the start time; pal has
	// no cross-day time-range form.
	return fmt.Sprintf("%s [%s] %s", startDate, occ.Start.Format("15:04"), summary)
}

// sanitizeSummary keeps the file line-based: embedded newlines become
// spaces, and blank summaries get a placeholder.
func sanitizeSummary(s string) string {
	s = strings.TrimSpace(summaryFlattener.Replace(s))
	if s == "" {
		return untitledEvent
	}
	return s
}

// WriteFile replaces path with data atomically: the bytes go to a temp file
// in the same directory first and are renamed into place, so a crash
// mid-write never leaves a truncated event file behind. On success the
// file's mtime is set to now, which is the freshness record consulted by
// the next run's refresh decision.
func WriteFile(fs afero.Fs, path string, data []byte, now time.Time) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create events directory: %w", err)
	}

	tmp, err := afero.TempFile(fs, dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", werr)
	}

	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}

	if err := fs.Chtimes(path, now, now); err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}

	return nil
}
