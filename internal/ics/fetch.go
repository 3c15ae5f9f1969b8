// Package ics reads iCalendar subscriptions: conditional HTTP fetching with an
// on-disk cache, VEVENT parsing and recurrence expansion into today's events.
package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	appLog "shotcal/internal/log"
)

// Source is one subscribed feed.
type Source struct {
	ID  string
	URL string
}

// Feed is a fetched payload. Stale is set when the body came from the cache
// because the server said 304 or could not be reached.
type Feed struct {
	Source Source
	Body   []byte
	Stale  bool
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

const (
	metaFile = "meta.json"
	bodyFile = "body.ics"
)

// Fetcher downloads feeds honoring ETag / Last-Modified. Each URL gets its own
// cache directory under CacheDir on Fs.
type Fetcher struct {
	Client   *http.Client
	Fs       afero.Fs
	CacheDir string
}

// NewFetcher returns a Fetcher caching on the OS filesystem.
func NewFetcher(cacheDir string) *Fetcher {
	return &Fetcher{
		Client:   &http.Client{Timeout: 15 * time.Second},
		Fs:       afero.NewOsFs(),
		CacheDir: cacheDir,
	}
}

// Fetch returns the body of src. A network failure or non-200/304 answer
// falls back to the cached body when one exists.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (Feed, error) {
	if src.URL == "" {
		return Feed{}, fmt.Errorf("ics source %q: empty url", src.ID)
	}

	dir := f.cacheDirFor(src.URL)
	if err := f.Fs.MkdirAll(dir, 0o700); err != nil {
		return Feed{}, fmt.Errorf("ics cache dir: %w", err)
	}
	meta := f.readMeta(dir)
	cached, _ := afero.ReadFile(f.Fs, filepath.Join(dir, bodyFile))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Feed{}, err
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client().Do(req)
	if err != nil {
		if len(cached) > 0 {
			appLog.Warn("ics fetch failed, serving cache", "id", src.ID, "url", RedactURL(src.URL), "err", err)
			return Feed{Source: src, Body: cached, Stale: true}, nil
		}
		return Feed{}, fmt.Errorf("ics fetch %s: %w", src.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Feed{}, fmt.Errorf("ics read %s: %w", src.ID, err)
		}
		next := cacheMeta{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FetchedAt:    time.Now().UTC(),
		}
		if err := f.writeCache(dir, next, body); err != nil {
			appLog.Error("ics cache write failed", err, "id", src.ID)
		}
		appLog.Debug("ics fetched", "id", src.ID, "url", RedactURL(src.URL), "bytes", len(body))
		return Feed{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return Feed{}, fmt.Errorf("ics fetch %s: 304 without cached body", src.ID)
		}
		appLog.Debug("ics not modified", "id", src.ID, "url", RedactURL(src.URL))
		return Feed{Source: src, Body: cached, Stale: true}, nil

	default:
		if len(cached) > 0 {
			appLog.Warn("ics fetch returned error status, serving cache", "id", src.ID, "url", RedactURL(src.URL), "status", resp.StatusCode)
			return Feed{Source: src, Body: cached, Stale: true}, nil
		}
		return Feed{}, fmt.Errorf("ics fetch %s: %s", src.ID, resp.Status)
	}
}

func (f *Fetcher) client() *http.Client {
	if f.Client == nil {
		return http.DefaultClient
	}
	return f.Client
}

func (f *Fetcher) cacheDirFor(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.CacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) readMeta(dir string) cacheMeta {
	var meta cacheMeta
	data, err := afero.ReadFile(f.Fs, filepath.Join(dir, metaFile))
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}
	}
	return meta
}

// writeCache stores the body before the metadata so a validator never refers
// to a body that was not written.
func (f *Fetcher) writeCache(dir string, meta cacheMeta, body []byte) error {
	if err := afero.WriteFile(f.Fs, filepath.Join(dir, bodyFile), body, 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(f.Fs, filepath.Join(dir, metaFile), data, 0o600)
}

// RedactURL keeps only scheme and host; subscription URLs usually embed a
// secret token in the path or query.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://redacted"
	}
	return u.Scheme + "://" + u.Host + "/..."
}

var errEmptyBody = errors.New("empty ics body")
