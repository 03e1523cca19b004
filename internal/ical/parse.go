// Package ical turns raw iCalendar payloads into RawEvents and expands
// them into concrete occurrences within a time window.
package ical

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/DrMcCoy/caldav2pal/internal/model"
)

// Warning identifies one event that had to be skipped and why. A warning
// never aborts processing of the remaining events in the same payload.
type Warning struct {
	UID string
	Err error
}

func (w Warning) String() string {
	if w.UID == "" {
		return w.Err.Error()
	}
	return w.UID + ": " + w.Err.Error()
}

// Parse decodes a single iCalendar payload into RawEvents. Events that
// cannot be parsed are reported as warnings; only an unreadable payload is
// an error.
func Parse(body []byte) ([]model.RawEvent, []Warning, error) {
	if len(body) == 0 {
		return nil, nil, errors.New("empty calendar payload")
	}

	cal, err := ics.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse calendar: %w", err)
	}

	vevents := cal.Events()
	events := make([]model.RawEvent, 0, len(vevents))
	var warnings []Warning

	for _, ve := range vevents {
		ev, perr := parseEvent(ve)
		if perr != nil {
			warnings = append(warnings, Warning{UID: propValue(ve, ics.ComponentPropertyUniqueId), Err: perr})
			continue
		}
		events = append(events, ev)
	}

	return events, warnings, nil
}

func parseEvent(ve *ics.VEvent) (model.RawEvent, error) {
	var ev model.RawEvent

	uid := propValue(ve, ics.ComponentPropertyUniqueId)
	if uid == "" {
		return ev, errors.New("missing UID")
	}
	ev.UID = uid
	ev.Summary = propValue(ve, ics.ComponentPropertySummary)

	if v := propValue(ve, ics.ComponentPropertySequence); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			ev.Seq = n
		}
	}

	dtStart := ve.GetProperty(ics.ComponentPropertyDtStart)
	if dtStart == nil {
		return ev, errors.New("missing DTSTART")
	}
	ev.AllDay = isDateOnly(dtStart)

	var start time.Time
	var err error
	if ev.AllDay {
		start, err = ve.GetAllDayStartAt()
	} else {
		start, err = ve.GetStartAt()
	}
	if err != nil {
		return ev, fmt.Errorf("parse DTSTART: %w", err)
	}
	ev.Start = start
	ev.End = eventEnd(ve, start, ev.AllDay)

	if p := ve.GetProperty(ics.ComponentPropertyRrule); p != nil {
		ev.RRule = p.Value
	}

	for _, p := range ve.GetProperties(ics.ComponentPropertyExdate) {
		ev.ExDates = append(ev.ExDates, parseDateList(p.Value, p.ICalParameters, start.Location())...)
	}
	for _, p := range ve.GetProperties("RDATE") {
		ev.RDates = append(ev.RDates, parseDateList(p.Value, p.ICalParameters, start.Location())...)
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		t, rerr := parsePropTime(p.Value, p.ICalParameters, start.Location())
		if rerr != nil {
			return ev, fmt.Errorf("parse RECURRENCE-ID: %w", rerr)
		}
		ev.RecurrenceID = &t
	}

	return ev, nil
}

// eventEnd resolves the event's end time from DTEND, falling back to
// DURATION, falling back to the start itself. All-day ends are normalized
// from iCalendar's exclusive convention to an inclusive instant, and the
// result never precedes the start.
func eventEnd(ve *ics.VEvent, start time.Time, allDay bool) time.Time {
	var end time.Time
	var err error
	if allDay {
		end, err = ve.GetAllDayEndAt()
	} else {
		end, err = ve.GetEndAt()
	}
	if err == nil {
		if allDay {
			end = end.Add(-time.Second)
		}
		if end.Before(start) {
			return start
		}
		return end
	}

	if p := ve.GetProperty("DURATION"); p != nil {
		if d, derr := parseISODuration(p.Value); derr == nil && d > 0 {
			end = start.Add(d)
			if allDay {
				end = end.Add(-time.Second)
			}
			if end.Before(start) {
				return start
			}
			return end
		}
	}

	return start
}

func propValue(ve *ics.VEvent, name ics.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

// isDateOnly reports whether a DTSTART/DTEND property holds a bare date,
// which is how iCalendar marks all-day events.
func isDateOnly(p *ics.IANAProperty) bool {
	if params := p.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			return true
		}
	}
	return !strings.Contains(p.Value, "T")
}

// parseDateList parses a comma-separated EXDATE/RDATE value. RDATE PERIOD
// entries contribute their start instant.
func parseDateList(value string, params map[string][]string, fallback *time.Location) []time.Time {
	var out []time.Time
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '/'); i >= 0 {
			part = part[:i]
		}
		if t, err := parsePropTime(part, params, fallback); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// parsePropTime parses a single iCalendar DATE or DATE-TIME value, honoring
// a TZID parameter when present.
func parsePropTime(value string, params map[string][]string, fallback *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if fallback == nil {
		fallback = time.Local
	}

	if params != nil {
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			loc, err := time.LoadLocation(tzs[0])
			if err == nil {
				return time.ParseInLocation("20060102T150405", value, loc)
			}
		}
	}

	if strings.HasSuffix(value, "Z") {
		return time.Parse("20060102T150405Z", value)
	}
	if strings.Contains(value, "T") {
		return time.ParseInLocation("20060102T150405", value, fallback)
	}
	return time.ParseInLocation("20060102", value, fallback)
}

// parseISODuration parses the subset of RFC 5545 DURATION values that occur
// in event feeds: [+-]P[nW][nD][T[nH][nM][nS]].
func parseISODuration(s string) (time.Duration, error) {
	orig := s
	s = strings.TrimSpace(s)

	negative := false
	switch {
	case strings.HasPrefix(s, "-"):
		negative = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("malformed duration %q", orig)
	}
	s = s[1:]

	var d time.Duration
	inTime := false
	num := 0
	haveNum := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			num = num*10 + int(c-'0')
			haveNum = true
		case c == 'T':
			inTime = true
		default:
			if !haveNum {
				return 0, fmt.Errorf("malformed duration %q", orig)
			}
			switch {
			case c == 'W' && !inTime:
				d += time.Duration(num) * 7 * 24 * time.Hour
			case c == 'D' && !inTime:
				d += time.Duration(num) * 24 * time.Hour
			case c == 'H' && inTime:
				d += time.Duration(num) * time.Hour
			case c == 'M' && inTime:
				d += time.Duration(num) * time.Minute
			case c == 'S' && inTime:
				d += time.Duration(num) * time.Second
			default:
				return 0, fmt.Errorf("malformed duration %q", orig)
			}
			num = 0
			haveNum = false
		}
	}
	if haveNum {
		return 0, fmt.Errorf("malformed duration %q", orig)
	}

	if negative {
		return -d, nil
	}
	return d, nil
}
