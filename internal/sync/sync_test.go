package sync

import (
	"context"
	"errors"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrMcCoy/caldav2pal/internal/fetch"
	"github.com/DrMcCoy/caldav2pal/internal/model"
)

var fixedNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

type stubTransport struct {
	mu      stdsync.Mutex
	results map[string]fetch.Result
	errs    map[string]error
	calls   map[string][]*time.Time
}

func (s *stubTransport) Fetch(_ context.Context, rawURL string, ifModifiedSince *time.Time) (fetch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string][]*time.Time)
	}
	s.calls[rawURL] = append(s.calls[rawURL], ifModifiedSince)

	if err := s.errs[rawURL]; err != nil {
		return fetch.Result{}, err
	}
	return s.results[rawURL], nil
}

func (s *stubTransport) callCount(rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls[rawURL])
}

func icsBody(eventBlocks ...[]string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//caldav2pal test//EN"}
	for _, block := range eventBlocks {
		lines = append(lines, "BEGIN:VEVENT")
		lines = append(lines, block...)
		lines = append(lines, "END:VEVENT")
	}
	lines = append(lines, "END:VCALENDAR", "")
	return []byte(strings.Join(lines, "\r\n"))
}

func calSource(section, rawURL, out string) model.Source {
	return model.Source{
		Section: section, Kind: model.KindCalendar,
		Name: "Work Calendar", Shorthand: "wk",
		URL: rawURL, OutputPath: out,
	}
}

func testEngine(tr Transport, fs afero.Fs) *Engine {
	return &Engine{
		Transport:   tr,
		Fs:          fs,
		Location:    time.UTC,
		MaxParallel: 2,
		Now:         func() time.Time { return fixedNow },
	}
}

func TestRunEndToEnd(t *testing.T) {
	dailyStart := fixedNow.AddDate(0, 0, -30).Truncate(24 * time.Hour).Add(8 * time.Hour)

	body := icsBody(
		[]string{
			"UID:oneshot",
			"SUMMARY:One-shot",
			"DTSTART:20240531T100000Z",
			"DTEND:20240531T110000Z",
		},
		[]string{
			"UID:daily",
			"SUMMARY:Daily standup",
			"DTSTART:" + dailyStart.Format("20060102T150405Z"),
			"DTEND:" + dailyStart.Add(time.Hour).Format("20060102T150405Z"),
			"RRULE:FREQ=DAILY",
		},
		[]string{
			"UID:broken",
			"SUMMARY:Broken",
			"DTSTART:20240515T100000Z",
			"RRULE:FREQ=BOGUS",
		},
	)

	tr := &stubTransport{results: map[string]fetch.Result{
		"https://example.com/work.ics": {Body: body},
	}}
	fs := afero.NewMemMapFs()

	sum := testEngine(tr, fs).Run(context.Background(),
		[]model.Source{calSource("work", "https://example.com/work.ics", "/pal/work.pal")})

	require.Len(t, sum.Results, 1)
	res := sum.Results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, 1, res.Warnings, "malformed rule reported as warning")

	windowEnd := fixedNow.AddDate(1, 0, 0)
	wantDaily := 0
	for d := dailyStart; !d.After(windowEnd); d = d.AddDate(0, 0, 1) {
		wantDaily++
	}
	assert.Equal(t, 1+wantDaily, res.Occurrences)

	out, err := afero.ReadFile(fs, "/pal/work.pal")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")

	require.Greater(t, len(lines), 2)
	assert.Equal(t, "wk Work Calendar", lines[0])
	assert.Equal(t, dailyStart.Format("20060102")+" [08:00-09:00] Daily standup", lines[1])
	assert.Contains(t, lines, "20240531 [10:00-11:00] One-shot")
	assert.Len(t, lines, 1+res.Occurrences)

	// Nothing from the malformed event.
	for _, l := range lines {
		assert.NotContains(t, l, "Broken")
	}

	info, err := fs.Stat("/pal/work.pal")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(fixedNow))
}

func TestRunConditionalFetchNotModified(t *testing.T) {
	fs := afero.NewMemMapFs()
	mtime := fixedNow.Add(-time.Hour)
	require.NoError(t, afero.WriteFile(fs, "/pal/work.pal", []byte("old content\n"), 0o644))
	require.NoError(t, fs.Chtimes("/pal/work.pal", mtime, mtime))

	tr := &stubTransport{errs: map[string]error{
		"https://example.com/work.ics": fetch.ErrNotModified,
	}}

	sum := testEngine(tr, fs).Run(context.Background(),
		[]model.Source{calSource("work", "https://example.com/work.ics", "/pal/work.pal")})

	res := sum.Results[0]
	assert.Equal(t, StatusSkipped, res.Status)

	require.Equal(t, 1, tr.callCount("https://example.com/work.ics"))
	sent := tr.calls["https://example.com/work.ics"][0]
	require.NotNil(t, sent, "fresh output must produce a conditional fetch")
	assert.True(t, sent.Equal(mtime))

	out, _ := afero.ReadFile(fs, "/pal/work.pal")
	assert.Equal(t, "old content\n", string(out))
}

func TestRunSkipsWhenRemoteOlderThanOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	mtime := fixedNow.Add(-time.Hour)
	require.NoError(t, afero.WriteFile(fs, "/pal/work.pal", []byte("old content\n"), 0o644))
	require.NoError(t, fs.Chtimes("/pal/work.pal", mtime, mtime))

	remote := mtime.Add(-24 * time.Hour)
	tr := &stubTransport{results: map[string]fetch.Result{
		"https://example.com/work.ics": {
			Body:     icsBody([]string{"UID:x", "SUMMARY:X", "DTSTART:20240531T100000Z"}),
			Modified: &remote,
		},
	}}

	sum := testEngine(tr, fs).Run(context.Background(),
		[]model.Source{calSource("work", "https://example.com/work.ics", "/pal/work.pal")})

	assert.Equal(t, StatusSkipped, sum.Results[0].Status)

	out, _ := afero.ReadFile(fs, "/pal/work.pal")
	assert.Equal(t, "old content\n", string(out), "stale answer must not rewrite the output")
}

func TestRunUnconditionalPastStalenessCeiling(t *testing.T) {
	fs := afero.NewMemMapFs()
	mtime := fixedNow.AddDate(0, 0, -200)
	require.NoError(t, afero.WriteFile(fs, "/pal/work.pal", []byte("old content\n"), 0o644))
	require.NoError(t, fs.Chtimes("/pal/work.pal", mtime, mtime))

	// Remote older than even the output file: the ceiling still forces a
	// rewrite so the occurrence window slides forward.
	remote := mtime.AddDate(0, 0, -100)
	tr := &stubTransport{results: map[string]fetch.Result{
		"https://example.com/work.ics": {
			Body:     icsBody([]string{"UID:x", "SUMMARY:X", "DTSTART:20240531T100000Z", "DTEND:20240531T110000Z"}),
			Modified: &remote,
		},
	}}

	sum := testEngine(tr, fs).Run(context.Background(),
		[]model.Source{calSource("work", "https://example.com/work.ics", "/pal/work.pal")})

	res := sum.Results[0]
	assert.Equal(t, StatusUpdated, res.Status)

	sent := tr.calls["https://example.com/work.ics"][0]
	assert.Nil(t, sent, "past the ceiling the fetch must be unconditional")

	out, _ := afero.ReadFile(fs, "/pal/work.pal")
	assert.Contains(t, string(out), "20240531 [10:00-11:00] X")
}

func TestRunContactsPipeline(t *testing.T) {
	vcf := strings.Join([]string{
		"BEGIN:VCARD",
		"VERSION:3.0",
		"FN:Jane Doe",
		"BDAY:1990-03-15",
		"END:VCARD",
		"",
	}, "\r\n")

	tr := &stubTransport{results: map[string]fetch.Result{
		"https://example.com/friends.vcf": {Body: []byte(vcf)},
	}}
	fs := afero.NewMemMapFs()

	src := model.Source{
		Section: "friends", Kind: model.KindContacts,
		Name: "Birthdays", Shorthand: "bd",
		URL: "https://example.com/friends.vcf", OutputPath: "/pal/birthdays.pal",
	}

	sum := testEngine(tr, fs).Run(context.Background(), []model.Source{src})

	res := sum.Results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, 2, res.Occurrences)

	out, err := afero.ReadFile(fs, "/pal/birthdays.pal")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")

	require.Len(t, lines, 3)
	assert.Equal(t, "bd Birthdays", lines[0])
	assert.Equal(t, "20240315 Jane Doe, 1990 (34)", lines[1])
	assert.Equal(t, "20250315 Jane Doe, 1990 (35)", lines[2])
}

func TestRunConflictingOutputPathsExcluded(t *testing.T) {
	tr := &stubTransport{results: map[string]fetch.Result{
		"https://example.com/c.ics": {Body: icsBody([]string{"UID:x", "SUMMARY:X", "DTSTART:20240531T100000Z"})},
	}}
	fs := afero.NewMemMapFs()

	sources := []model.Source{
		calSource("a", "https://example.com/a.ics", "/pal/same.pal"),
		calSource("b", "https://example.com/b.ics", "/pal/same.pal"),
		calSource("c", "https://example.com/c.ics", "/pal/other.pal"),
	}

	sum := testEngine(tr, fs).Run(context.Background(), sources)

	assert.Equal(t, StatusFailed, sum.Results[0].Status)
	assert.Equal(t, StatusFailed, sum.Results[1].Status)
	assert.Equal(t, StatusUpdated, sum.Results[2].Status)

	// Conflicting sources never even fetch.
	assert.Zero(t, tr.callCount("https://example.com/a.ics"))
	assert.Zero(t, tr.callCount("https://example.com/b.ics"))

	exists, err := afero.Exists(fs, "/pal/same.pal")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunSourceFailuresAreIsolated(t *testing.T) {
	good := icsBody([]string{"UID:x", "SUMMARY:X", "DTSTART:20240531T100000Z"})

	tr := &stubTransport{
		results: map[string]fetch.Result{
			"https://example.com/good.ics": {Body: good},
			"https://example.com/junk.ics": {Body: []byte("not a calendar")},
		},
		errs: map[string]error{
			"https://example.com/down.ics": errors.New("connection refused"),
		},
	}
	fs := afero.NewMemMapFs()

	sources := []model.Source{
		calSource("down", "https://example.com/down.ics", "/pal/down.pal"),
		calSource("junk", "https://example.com/junk.ics", "/pal/junk.pal"),
		calSource("good", "https://example.com/good.ics", "/pal/good.pal"),
	}

	sum := testEngine(tr, fs).Run(context.Background(), sources)

	assert.Equal(t, StatusFailed, sum.Results[0].Status)
	assert.ErrorContains(t, sum.Results[0].Err, "fetch")
	assert.Equal(t, StatusFailed, sum.Results[1].Status)
	assert.ErrorContains(t, sum.Results[1].Err, "parse calendar")
	assert.Equal(t, StatusUpdated, sum.Results[2].Status)

	updated, skipped, failed := sum.Counts()
	assert.Equal(t, 1, updated)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, 2, failed)
}
