// Package contacts extracts birthdays from vCard payloads and folds them
// into synthetic yearly-recurring events for the regular expander.
package contacts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/google/uuid"

	"github.com/DrMcCoy/caldav2pal/internal/model"
)

// Parse decodes a vCard payload into contact records. A contact may carry
// several BDAY values; each parseable one yields a record. Contacts without
// a usable birthday or display name are silently excluded.
func Parse(body []byte) ([]model.Contact, error) {
	if len(body) == 0 {
		return nil, errors.New("empty contacts payload")
	}

	dec := vcard.NewDecoder(bytes.NewReader(body))

	var out []model.Contact
	for {
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode vcard: %w", err)
		}
		out = append(out, fromCard(card)...)
	}

	return out, nil
}

func fromCard(card vcard.Card) []model.Contact {
	name := displayName(card)
	if name == "" {
		return nil
	}

	var out []model.Contact
	for _, f := range card[vcard.FieldBirthday] {
		month, day, year, ok := parseBirthday(f)
		if !ok {
			continue
		}
		out = append(out, model.Contact{
			DisplayName: name,
			BirthMonth:  month,
			BirthDay:    day,
			BirthYear:   year,
		})
	}
	return out
}

func displayName(card vcard.Card) string {
	if fn := strings.TrimSpace(card.PreferredValue(vcard.FieldFormattedName)); fn != "" {
		return fn
	}
	if n := card.Name(); n != nil {
		full := strings.TrimSpace(n.GivenName) + " " + strings.TrimSpace(n.FamilyName)
		return strings.TrimSpace(full)
	}
	return ""
}

// parseBirthday understands the BDAY shapes seen in the wild: full dates
// with or without dashes, the yearless --MM-DD / --MMDD forms, and full
// dates whose year is flagged as a placeholder via X-APPLE-OMIT-YEAR.
func parseBirthday(f *vcard.Field) (time.Month, int, int, bool) {
	v := strings.TrimSpace(f.Value)
	if v == "" {
		return 0, 0, 0, false
	}
	if i := strings.IndexByte(v, 'T'); i >= 0 {
		v = v[:i]
	}

	for _, layout := range []string{"--01-02", "--0102"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Month(), t.Day(), 0, true
		}
	}

	for _, layout := range []string{"2006-01-02", "20060102"} {
		t, err := time.Parse(layout, v)
		if err != nil {
			continue
		}
		year := t.Year()
		if yearOmitted(f.Params, year) {
			year = 0
		}
		return t.Month(), t.Day(), year, true
	}

	return 0, 0, 0, false
}

func yearOmitted(params vcard.Params, year int) bool {
	for _, v := range params["X-APPLE-OMIT-YEAR"] {
		if strings.TrimSpace(v) == strconv.Itoa(year) {
			return true
		}
	}
	return false
}

// Fold converts contact birthdays into all-day RawEvents recurring yearly
// on the birthday's month and day with no end bound. windowStart anchors
// events whose birth year is unknown just before the expansion window, and
// its location is where the all-day events live.
func Fold(contactRecords []model.Contact, windowStart time.Time) []model.RawEvent {
	events := make([]model.RawEvent, 0, len(contactRecords))

	for _, c := range contactRecords {
		anchorYear := c.BirthYear
		if anchorYear == 0 {
			anchorYear = windowStart.Year() - 1
		}

		start := time.Date(anchorYear, c.BirthMonth, c.BirthDay, 0, 0, 0, 0, windowStart.Location())

		events = append(events, model.RawEvent{
			UID:     birthdayUID(c),
			Summary: c.DisplayName,
			Start:   start,
			End:     start.Add(24*time.Hour - time.Second),
			AllDay:  true,
			// BYMONTH/BYMONTHDAY pin the date explicitly so the anchor
			// only sets where iteration begins.
			RRule:     fmt.Sprintf("FREQ=YEARLY;BYMONTH=%d;BYMONTHDAY=%d", c.BirthMonth, c.BirthDay),
			BirthYear: c.BirthYear,
		})
	}

	return events
}

// birthdayUID derives a stable UID so the same contact folds to the same
// event across runs.
func birthdayUID(c model.Contact) string {
	seed := fmt.Sprintf("birthday:%s:%04d-%02d-%02d", c.DisplayName, c.BirthYear, int(c.BirthMonth), c.BirthDay)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String() + "@caldav2pal"
}
