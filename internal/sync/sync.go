// Package sync drives the per-source pipeline: refresh decision, fetch,
// parse, recurrence expansion and pal rendering. Sources are independent;
// a failure in one never stops the others.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/DrMcCoy/caldav2pal/internal/contacts"
	"github.com/DrMcCoy/caldav2pal/internal/fetch"
	"github.com/DrMcCoy/caldav2pal/internal/ical"
	applog "github.com/DrMcCoy/caldav2pal/internal/log"
	"github.com/DrMcCoy/caldav2pal/internal/model"
	"github.com/DrMcCoy/caldav2pal/internal/pal"
	"github.com/DrMcCoy/caldav2pal/internal/refresh"
)

const defaultMaxParallel = 4

// Transport retrieves one source payload. *fetch.Fetcher is the production
// implementation.
type Transport interface {
	Fetch(ctx context.Context, rawURL string, ifModifiedSince *time.Time) (fetch.Result, error)
}

// Status classifies the outcome of one source's run.
type Status string

const (
	// StatusUpdated means the output file was rewritten.
	StatusUpdated Status = "updated"
	// StatusSkipped means the output was already fresh.
	StatusSkipped Status = "skipped"
	// StatusFailed means the source was abandoned for this run and its
	// previous output, if any, was left untouched.
	StatusFailed Status = "failed"
)

// SourceResult reports what happened to a single source.
type SourceResult struct {
	Source model.Source
	Status Status

	// Reason explains a skip; Err explains a failure.
	Reason string
	Err    error

	// Occurrences is how many event lines were written.
	Occurrences int
	// Warnings counts per-event problems (malformed events or rules,
	// truncated expansions) that did not stop the source.
	Warnings int
}

// Summary aggregates one run over all sources, in input order.
type Summary struct {
	Results []SourceResult
}

// Counts returns how many sources were updated, skipped and failed.
func (s Summary) Counts() (updated, skipped, failed int) {
	for _, r := range s.Results {
		switch r.Status {
		case StatusUpdated:
			updated++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	return
}

// Engine runs the synchronization pipeline. The zero value works with real
// wall-clock time, the OS filesystem and the local timezone; fields exist
// so tests can pin every one of them.
type Engine struct {
	Transport Transport

	Fs       afero.Fs
	Location *time.Location

	// MaxParallel bounds how many sources are processed concurrently.
	MaxParallel int

	// Now supplies the run's wall-clock reference, used for the staleness
	// check, the expansion window and output mtimes.
	Now func() time.Time
}

// Run processes all sources and reports per-source outcomes in input
// order. Sources sharing an output path are a config conflict: none of
// them runs, so the file is never written twice in one run.
func (e *Engine) Run(ctx context.Context, sources []model.Source) Summary {
	results := make([]SourceResult, len(sources))

	owners := make(map[string][]int, len(sources))
	for i, src := range sources {
		owners[src.OutputPath] = append(owners[src.OutputPath], i)
	}

	reported := make(map[string]bool)
	p := pool.New().WithMaxGoroutines(e.maxParallel())

	for i, src := range sources {
		idxs := owners[src.OutputPath]
		if len(idxs) > 1 {
			err := fmt.Errorf("output path %s claimed by %d sources", src.OutputPath, len(idxs))
			results[i] = SourceResult{Source: src, Status: StatusFailed, Err: err}
			if !reported[src.OutputPath] {
				applog.Error("sources share an output path, skipping them all", err, "section", src.Section)
				reported[src.OutputPath] = true
			}
			continue
		}

		i, src := i, src
		p.Go(func() {
			results[i] = e.syncSource(ctx, src)
		})
	}

	p.Wait()

	for _, r := range results {
		if r.Status == StatusFailed && r.Err != nil && !reported[r.Source.OutputPath] {
			applog.Error("source failed", r.Err, "section", r.Source.Section)
		}
	}

	return Summary{Results: results}
}

func (e *Engine) syncSource(ctx context.Context, src model.Source) SourceResult {
	now := e.now()

	mtime, err := refresh.OutputMTime(e.fs(), src.OutputPath)
	if err != nil {
		return fail(src, fmt.Errorf("stat output: %w", err))
	}

	// Within the staleness ceiling the fetch is conditional, letting the
	// server answer 304. Past the ceiling (or with no output yet) the
	// window must be re-expanded regardless, so fetch unconditionally.
	var ifModifiedSince *time.Time
	if mtime != nil && now.Sub(*mtime) <= refresh.MaxOutputAge {
		ifModifiedSince = mtime
	}

	res, err := e.transport().Fetch(ctx, src.URL, ifModifiedSince)
	if errors.Is(err, fetch.ErrNotModified) {
		applog.Info("source unchanged, output kept", "section", src.Section)
		return SourceResult{Source: src, Status: StatusSkipped, Reason: "remote not modified"}
	}
	if err != nil {
		return fail(src, fmt.Errorf("fetch: %w", err))
	}

	// Some servers ignore conditional headers but still send
	// Last-Modified; the refresh contract applies either way.
	if need, reason := refresh.ShouldRefresh(now, mtime, res.Modified); !need {
		applog.Info("source unchanged, output kept", "section", src.Section, "reason", reason)
		return SourceResult{Source: src, Status: StatusSkipped, Reason: reason}
	}

	windowStart := now.In(e.location()).AddDate(-1, 0, 0)
	windowEnd := now.In(e.location()).AddDate(1, 0, 0)

	var (
		events   []model.RawEvent
		warnings int
	)
	switch src.Kind {
	case model.KindContacts:
		contactRecords, perr := contacts.Parse(res.Body)
		if perr != nil {
			return fail(src, fmt.Errorf("parse contacts: %w", perr))
		}
		events = contacts.Fold(contactRecords, windowStart)
	default:
		parsed, parseWarnings, perr := ical.Parse(res.Body)
		if perr != nil {
			return fail(src, fmt.Errorf("parse calendar: %w", perr))
		}
		for _, w := range parseWarnings {
			applog.Warn("skipping malformed event", "section", src.Section, "detail", w.String())
		}
		events = parsed
		warnings += len(parseWarnings)
	}

	expanded, err := ical.Expand(events, ical.Config{
		Location:    e.location(),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	})
	if err != nil {
		return fail(src, fmt.Errorf("expand: %w", err))
	}
	warnings += len(expanded.Skipped) + len(expanded.Truncated)

	data := pal.Render(src, expanded.Occurrences)
	if err := pal.WriteFile(e.fs(), src.OutputPath, data, now); err != nil {
		return fail(src, fmt.Errorf("write output: %w", err))
	}

	applog.Info("source updated", "section", src.Section,
		"occurrences", len(expanded.Occurrences), "output", src.OutputPath)

	return SourceResult{
		Source:      src,
		Status:      StatusUpdated,
		Occurrences: len(expanded.Occurrences),
		Warnings:    warnings,
	}
}

func fail(src model.Source, err error) SourceResult {
	return SourceResult{Source: src, Status: StatusFailed, Err: err}
}

func (e *Engine) transport() Transport {
	if e.Transport != nil {
		return e.Transport
	}
	return fetch.New(e.fs())
}

func (e *Engine) fs() afero.Fs {
	if e.Fs != nil {
		return e.Fs
	}
	return afero.NewOsFs()
}

func (e *Engine) location() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) maxParallel() int {
	if e.MaxParallel > 0 {
		return e.MaxParallel
	}
	return defaultMaxParallel
}
