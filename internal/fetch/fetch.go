// Package fetch retrieves calendar and contact payloads over http, https
// and file transports.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/afero"

	applog "github.com/DrMcCoy/caldav2pal/internal/log"
)

// ErrNotModified reports that the remote answered a conditional request
// with 304, so the caller's output is already current.
var ErrNotModified = errors.New("remote not modified")

const userAgent = "caldav2pal/1.0.0"

// Result is one retrieved payload plus the remote modification timestamp
// when the transport exposes one.
type Result struct {
	Body     []byte
	Modified *time.Time
}

// Fetcher retrieves source payloads. HTTP requests carry basic auth taken
// from the URL's userinfo and an If-Modified-Since header when the caller
// knows its output's mtime; transient failures are retried.
type Fetcher struct {
	client     *http.Client
	fs         afero.Fs
	attempts   uint
	retryDelay time.Duration
}

func New(fs afero.Fs) *Fetcher {
	return &Fetcher{
		client:     &http.Client{Timeout: 15 * time.Second},
		fs:         fs,
		attempts:   3,
		retryDelay: 500 * time.Millisecond,
	}
}

// Fetch retrieves rawURL. A nil ifModifiedSince forces an unconditional
// fetch; otherwise a 304 answer surfaces as ErrNotModified.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, ifModifiedSince *time.Time) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse URL: %w", err)
	}

	applog.Debug("fetching source", "url", redactURL(rawURL), "conditional", ifModifiedSince != nil)

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, u, ifModifiedSince)
	case "file":
		return f.fetchFile(u)
	case "":
		return Result{}, fmt.Errorf("URL %q has no scheme", redactURL(rawURL))
	default:
		return Result{}, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

type httpOutcome struct {
	body        []byte
	modified    *time.Time
	notModified bool
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL, ifModifiedSince *time.Time) (Result, error) {
	// Credentials move from the URL into the Authorization header so they
	// never appear in request lines or logs.
	user := u.User
	if user != nil {
		clone := *u
		clone.User = nil
		u = &clone
	}

	outcome, err := retry.DoWithData(
		func() (httpOutcome, error) {
			return f.doHTTP(ctx, u, user, ifModifiedSince)
		},
		retry.Attempts(f.attempts),
		retry.Delay(f.retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Result{}, err
	}
	if outcome.notModified {
		return Result{}, ErrNotModified
	}
	return Result{Body: outcome.body, Modified: outcome.modified}, nil
}

func (f *Fetcher) doHTTP(ctx context.Context, u *url.URL, user *url.Userinfo, ifModifiedSince *time.Time) (httpOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return httpOutcome{}, retry.Unrecoverable(err)
	}
	req.Header.Set("User-Agent", userAgent)
	if user != nil {
		pass, _ := user.Password()
		req.SetBasicAuth(user.Username(), pass)
	}
	if ifModifiedSince != nil {
		req.Header.Set("If-Modified-Since", ifModifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return httpOutcome{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return httpOutcome{}, rerr
		}
		return httpOutcome{body: body, modified: headerTime(resp.Header.Get("Last-Modified"))}, nil

	case resp.StatusCode == http.StatusNotModified:
		return httpOutcome{notModified: true}, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return httpOutcome{}, fmt.Errorf("transient status: %s", resp.Status)

	default:
		// Client errors will not heal on retry.
		return httpOutcome{}, retry.Unrecoverable(fmt.Errorf("unexpected status: %s", resp.Status))
	}
}

func (f *Fetcher) fetchFile(u *url.URL) (Result, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if path == "" {
		return Result{}, errors.New("file URL has no path")
	}

	body, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}

	var modified *time.Time
	if info, serr := f.fs.Stat(path); serr == nil {
		mt := info.ModTime()
		modified = &mt
	}

	return Result{Body: body, Modified: modified}, nil
}

func headerTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return nil
	}
	return &t
}

// redactURL strips the password and query string so URLs are safe to log.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid url)"
	}
	u.RawQuery = ""
	return u.Redacted()
}
