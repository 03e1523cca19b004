package model

import "time"

// SourceKind distinguishes what a configured source's payload contains.
type SourceKind string

const (
	// KindCalendar marks an iCalendar source (VEVENTs).
	KindCalendar SourceKind = "calendar"
	// KindContacts marks a vCard source (contact birthdays).
	KindContacts SourceKind = "contacts"
)

// Source describes one configured calendar or contact collection. It is
// produced by the config loader and never mutated afterwards.
type Source struct {
	// Section is the config section this source was loaded from,
	// used to identify it in diagnostics.
	Section string

	Kind SourceKind

	// Name is the human-friendly calendar title written into the pal
	// file header.
	Name string

	// Shorthand is the two-character code pal shows next to each event.
	Shorthand string

	// URL is the transport endpoint (http, https or file scheme,
	// optionally with embedded basic-auth credentials).
	URL string

	// OutputPath is the absolute path of the pal event file this source
	// owns, resolved under the per-user events directory.
	OutputPath string
}

// RawEvent is a parsed calendar component before recurrence expansion.
// Contact birthdays are folded into this same shape so that one expander
// serves both kinds of sources.
type RawEvent struct {
	UID string
	Seq int // SEQUENCE, used to pick between competing overrides

	Summary string

	// Start / End in the event's own timezone. For all-day events End is
	// normalized to be inclusive (iCalendar DTEND is exclusive).
	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string // raw RRULE value, empty for one-shot events
	ExDates []time.Time
	RDates  []time.Time

	// RecurrenceID marks this event as an override of one instance of the
	// recurring event with the same UID.
	RecurrenceID *time.Time

	// BirthYear, when non-zero, marks a folded birthday event whose
	// occurrence summaries carry a computed age.
	BirthYear int
}

// IsOverride reports whether the event replaces a single instance of a
// recurring series rather than defining one.
func (e RawEvent) IsOverride() bool {
	return e.RecurrenceID != nil
}

// Occurrence is one concrete, dated instance of an event inside the
// expansion window. Never mutated after creation.
type Occurrence struct {
	UID     string
	Summary string

	// Start / End in the configured display timezone.
	Start  time.Time
	End    time.Time
	AllDay bool
}

// Contact is one contact record reduced to what the Birthday Folder needs.
type Contact struct {
	DisplayName string

	BirthMonth time.Month
	BirthDay   int

	// BirthYear is zero when the contact's birthday omits the year, in
	// which case no age is ever computed.
	BirthYear int
}
