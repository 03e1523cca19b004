package ical

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/teambition/rrule-go"

	applog "github.com/DrMcCoy/caldav2pal/internal/log"
	"github.com/DrMcCoy/caldav2pal/internal/model"
)

const defaultMaxPerEvent = 5000

// Config controls recurrence expansion.
type Config struct {
	// Location is the timezone occurrences are converted into. Defaults
	// to time.Local.
	Location *time.Location

	// WindowStart / WindowEnd bound the occurrence window (inclusive).
	WindowStart time.Time
	WindowEnd   time.Time

	// MaxPerEvent caps how many occurrences a single event may produce,
	// guarding against hostile or broken feeds. Zero means the default.
	MaxPerEvent int
}

// Result holds the expanded occurrences plus everything that went wrong in
// a recoverable way while producing them.
type Result struct {
	Occurrences []model.Occurrence

	// Skipped lists events dropped for malformed recurrence rules.
	Skipped []Warning

	// Truncated lists UIDs that hit the per-event occurrence cap.
	Truncated []string
}

// Expand turns RawEvents into the ordered set of concrete occurrences whose
// start lies within the window. Recurrence exceptions (EXDATE) and modified
// instances (RECURRENCE-ID overrides) take precedence over the base rule. A
// malformed rule skips only its own event.
//
// The output is deduplicated by (UID, start), sorted ascending by start with
// ties broken by UID, and stable against input order beyond that.
func Expand(events []model.RawEvent, cfg Config) (Result, error) {
	var result Result

	if cfg.WindowEnd.Before(cfg.WindowStart) {
		return result, errors.New("expand: window end precedes window start")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxPerEvent <= 0 {
		cfg.MaxPerEvent = defaultMaxPerEvent
	}

	// Split the input into base events and per-instance overrides, keeping
	// base input order so warnings come out deterministically.
	bases := make([]model.RawEvent, 0, len(events))
	overrides := make(map[string][]model.RawEvent)
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	seen := make(map[string]struct{})
	emit := func(occ model.Occurrence) {
		key := occ.UID + "\x00" + strconv.FormatInt(occ.Start.UnixNano(), 10)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		result.Occurrences = append(result.Occurrences, occ)
	}

	for _, ev := range bases {
		ov := overrides[ev.UID]

		if ev.RRule == "" && len(ev.RDates) == 0 {
			expandSingle(ev, ov, cfg, emit)
			continue
		}

		truncated, err := expandRecurring(ev, ov, cfg, emit)
		if err != nil {
			applog.Warn("skipping event with malformed recurrence rule",
				"uid", ev.UID, "rrule", ev.RRule, "reason", err)
			result.Skipped = append(result.Skipped, Warning{UID: ev.UID, Err: err})
			continue
		}
		if truncated {
			applog.Warn("occurrence cap reached, output truncated",
				"uid", ev.UID, "cap", cfg.MaxPerEvent)
			result.Truncated = append(result.Truncated, ev.UID)
		}
	}

	sort.SliceStable(result.Occurrences, func(i, j int) bool {
		a, b := result.Occurrences[i], result.Occurrences[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.UID < b.UID
	})

	return result, nil
}

// expandSingle emits a one-shot event when it intersects the window.
// Multi-day events count as inside on partial overlap.
func expandSingle(ev model.RawEvent, overrides []model.RawEvent, cfg Config, emit func(model.Occurrence)) {
	if !rangesOverlap(ev.Start, ev.End, cfg.WindowStart, cfg.WindowEnd) {
		return
	}

	start, end := ev.Start, ev.End
	src := ev
	if o, ok := matchOverride(overrides, start); ok {
		start, end = o.Start, o.End
		src = o
	}

	emit(makeOccurrence(src, start, end, cfg.Location))
}

// expandRecurring materializes a recurring event's instances inside the
// window via the rule set (RRULE plus RDATE minus EXDATE), applying
// overrides per instance. Reports whether the occurrence cap was hit.
func expandRecurring(ev model.RawEvent, overrides []model.RawEvent, cfg Config, emit func(model.Occurrence)) (bool, error) {
	var set rrule.Set

	if ev.RRule != "" {
		r, err := rrule.StrToRRule(ev.RRule)
		if err != nil {
			return false, fmt.Errorf("parse RRULE %q: %w", ev.RRule, err)
		}
		r.DTStart(ev.Start)
		set.RRule(r)
	} else {
		// Pure-RDATE event: the start itself is the first instance.
		set.RDate(ev.Start)
	}

	for _, rd := range ev.RDates {
		set.RDate(rd.In(ev.Start.Location()))
	}
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	windowStart := cfg.WindowStart.In(ev.Start.Location())
	windowEnd := cfg.WindowEnd.In(ev.Start.Location())

	starts := set.Between(windowStart, windowEnd, true)

	truncated := false
	if len(starts) > cfg.MaxPerEvent {
		starts = starts[:cfg.MaxPerEvent]
		truncated = true
	}

	duration := ev.End.Sub(ev.Start)

	for _, occStart := range starts {
		occEnd := occStart.Add(duration)

		start, end := occStart, occEnd
		src := ev
		if o, ok := matchOverride(overrides, occStart); ok {
			start, end = o.Start, o.End
			src = o
		}

		emit(makeOccurrence(src, start, end, cfg.Location))
	}

	return truncated, nil
}

// matchOverride finds the override whose RECURRENCE-ID names the given
// original start instant. With competing overrides the highest SEQUENCE
// wins.
func matchOverride(overrides []model.RawEvent, originalStart time.Time) (model.RawEvent, bool) {
	var best model.RawEvent
	found := false
	for _, o := range overrides {
		if o.RecurrenceID == nil || !o.RecurrenceID.Equal(originalStart) {
			continue
		}
		if !found || o.Seq > best.Seq {
			best = o
			found = true
		}
	}
	return best, found
}

func makeOccurrence(ev model.RawEvent, start, end time.Time, loc *time.Location) model.Occurrence {
	occ := model.Occurrence{
		UID:     ev.UID,
		Summary: ev.Summary,
		Start:   start.In(loc),
		End:     end.In(loc),
		AllDay:  ev.AllDay,
	}

	// Folded birthdays carry the birth year so every yearly instance can
	// state the age reached in that instance's year.
	if ev.BirthYear != 0 {
		occ.Summary = fmt.Sprintf("%s, %d (%d)", ev.Summary, ev.BirthYear, occ.Start.Year()-ev.BirthYear)
	}

	return occ
}

func rangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
