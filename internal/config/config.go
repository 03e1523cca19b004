// Package config loads source definitions from INI config files.
//
// Two kinds of files share one schema: calendar configs and contact
// configs. Each section defines one source with keys url, pal, name and
// shorthand. Default files are discovered under the XDG config home;
// additional files can be passed in explicitly.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/afero"
	"gopkg.in/ini.v1"

	applog "github.com/DrMcCoy/caldav2pal/internal/log"
	"github.com/DrMcCoy/caldav2pal/internal/model"
)

const packageName = "caldav2pal"

const (
	// DefaultCalendarsFile is the discovered calendars config filename.
	DefaultCalendarsFile = "calendars.conf"
	// DefaultContactsFile is the discovered contacts config filename.
	DefaultContactsFile = "contacts.conf"
)

// DefaultConfigDir returns the per-user directory default config files are
// discovered in.
func DefaultConfigDir() string {
	return filepath.Join(xdg.ConfigHome, packageName)
}

// DefaultEventsDir returns the per-user directory pal event files are
// written into.
func DefaultEventsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".pal"), nil
}

// Options controls where Load looks for config files.
type Options struct {
	// CalendarPaths / ContactPaths are explicitly requested config files.
	// Unlike the discovered defaults they must exist.
	CalendarPaths []string
	ContactPaths  []string

	// NoDefaults disables discovery of the default config files.
	NoDefaults bool

	// Fs, ConfigDir and EventsDir default to the real filesystem and the
	// per-user directories; overridable for tests.
	Fs        afero.Fs
	ConfigDir string
	EventsDir string
}

type fileSpec struct {
	path     string
	kind     model.SourceKind
	optional bool
}

// Load reads all requested config files and returns the valid sources in
// file and section order. Malformed sections are skipped and reported;
// unreadable files and unparseable INI are errors, since the engine cannot
// tell which sources the user meant to define.
func Load(opts Options) ([]model.Source, error) {
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	configDir := opts.ConfigDir
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	eventsDir := opts.EventsDir
	if eventsDir == "" {
		var err error
		eventsDir, err = DefaultEventsDir()
		if err != nil {
			return nil, err
		}
	}

	var files []fileSpec
	if !opts.NoDefaults {
		files = append(files,
			fileSpec{filepath.Join(configDir, DefaultCalendarsFile), model.KindCalendar, true},
			fileSpec{filepath.Join(configDir, DefaultContactsFile), model.KindContacts, true},
		)
	}
	for _, p := range opts.CalendarPaths {
		files = append(files, fileSpec{p, model.KindCalendar, false})
	}
	for _, p := range opts.ContactPaths {
		files = append(files, fileSpec{p, model.KindContacts, false})
	}

	var all []model.Source
	for _, f := range files {
		data, err := afero.ReadFile(fsys, f.path)
		if err != nil {
			if f.optional && errors.Is(err, os.ErrNotExist) {
				applog.Info("default config file absent, skipping", "path", f.path)
				continue
			}
			return nil, fmt.Errorf("read config %s: %w", f.path, err)
		}

		sources, err := parseFile(data, f.kind, f.path, eventsDir)
		if err != nil {
			return nil, err
		}
		all = append(all, sources...)
	}

	return dropDuplicateSections(all), nil
}

// dropDuplicateSections removes every source whose section name appears
// more than once across all files. Identity would be ambiguous otherwise,
// and picking a winner silently would hide the config mistake.
func dropDuplicateSections(all []model.Source) []model.Source {
	counts := make(map[string]int, len(all))
	for _, s := range all {
		counts[s.Section]++
	}

	reported := make(map[string]bool)
	out := make([]model.Source, 0, len(all))
	for _, s := range all {
		if n := counts[s.Section]; n > 1 {
			if !reported[s.Section] {
				applog.Error("duplicate source section, skipping all its definitions",
					fmt.Errorf("section defined %d times", n), "section", s.Section)
				reported[s.Section] = true
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func parseFile(data []byte, kind model.SourceKind, path, eventsDir string) ([]model.Source, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	var out []model.Source
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}

		src, serr := sourceFromSection(sec, kind, eventsDir)
		if serr != nil {
			applog.Error("skipping malformed source section", serr, "file", path, "section", sec.Name())
			continue
		}
		out = append(out, src)
	}
	return out, nil
}

func sourceFromSection(sec *ini.Section, kind model.SourceKind, eventsDir string) (model.Source, error) {
	name := sec.Name()
	if !isAlnum(name) {
		return model.Source{}, fmt.Errorf("section name %q is not alphanumeric", name)
	}

	rawURL := strings.TrimSpace(sec.Key("url").String())
	pal := strings.TrimSpace(sec.Key("pal").String())
	display := strings.TrimSpace(sec.Key("name").String())
	shorthand := strings.TrimSpace(sec.Key("shorthand").String())

	switch {
	case rawURL == "":
		return model.Source{}, errors.New(`missing key "url"`)
	case pal == "":
		return model.Source{}, errors.New(`missing key "pal"`)
	case display == "":
		return model.Source{}, errors.New(`missing key "name"`)
	case shorthand == "":
		return model.Source{}, errors.New(`missing key "shorthand"`)
	}

	if len(shorthand) != 2 || !isAlnum(shorthand) {
		return model.Source{}, fmt.Errorf("shorthand %q must be exactly 2 alphanumeric characters", shorthand)
	}

	if err := checkScheme(rawURL); err != nil {
		return model.Source{}, err
	}

	outputPath, err := resolveOutputPath(eventsDir, pal)
	if err != nil {
		return model.Source{}, err
	}

	return model.Source{
		Section:    name,
		Kind:       kind,
		Name:       display,
		Shorthand:  shorthand,
		URL:        rawURL,
		OutputPath: outputPath,
	}, nil
}

func checkScheme(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "file":
		return nil
	case "":
		return errors.New("url has no scheme")
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

// resolveOutputPath confines the pal output file to the events directory.
func resolveOutputPath(eventsDir, pal string) (string, error) {
	if filepath.IsAbs(pal) {
		return "", fmt.Errorf("pal path %q must be relative to the events directory", pal)
	}

	joined := filepath.Join(eventsDir, pal)
	rel, err := filepath.Rel(eventsDir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("pal path %q escapes the events directory", pal)
	}
	return joined, nil
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}
