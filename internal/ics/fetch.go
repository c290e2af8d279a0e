package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	appLog "drivegrid/internal/log"
)

// Feed is one ICS reservation feed from the config.
type Feed struct {
	ID  string
	URL string
}

// FetchResult is the body a feed produced, fresh or cached.
type FetchResult struct {
	Feed      Feed
	Body      []byte
	FromCache bool
	// ETag is the server validator, or a content hash when the server sent none.
	ETag string
}

// feedCache is the on-disk copy of one feed: body.ics plus meta.json with
// the validators of the response that produced it.
type feedCache struct {
	dir  string
	meta feedMeta
	body []byte
}

type feedMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
}

func openFeedCache(root, feedURL string) (*feedCache, error) {
	sum := sha256.Sum256([]byte(feedURL))
	c := &feedCache{dir: filepath.Join(root, hex.EncodeToString(sum[:8]))}
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return nil, fmt.Errorf("ics cache dir: %w", err)
	}
	if data, err := os.ReadFile(filepath.Join(c.dir, "meta.json")); err == nil {
		_ = json.Unmarshal(data, &c.meta)
	}
	c.body, _ = os.ReadFile(filepath.Join(c.dir, "body.ics"))
	return c, nil
}

func (c *feedCache) usable() bool { return len(c.body) > 0 }

func (c *feedCache) result(feed Feed) FetchResult {
	return FetchResult{Feed: feed, Body: c.body, FromCache: true, ETag: validator(c.meta.ETag, c.body)}
}

// store writes the body before the metadata so meta.json never describes a
// missing body.
func (c *feedCache) store(meta feedMeta, body []byte) error {
	if err := os.WriteFile(filepath.Join(c.dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.StoredAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(c.dir, "meta.json"), data, 0o600); err != nil {
		return err
	}
	c.meta, c.body = meta, body
	return nil
}

// Fetcher downloads feeds with conditional GET (ETag / Last-Modified) and
// keeps the last good body of every feed on disk.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher storing per-feed caches under cacheDir.
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		cacheDir: cacheDir,
	}
}

// WithClient replaces the HTTP client.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	if c != nil {
		f.client = c
	}
	return f
}

// FetchAll fetches every feed in order. Results only hold feeds that
// produced a body; failures are logged and returned per feed.
func (f *Fetcher) FetchAll(ctx context.Context, feeds []Feed) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(feeds))
	var errs []error
	for _, feed := range feeds {
		res, err := f.FetchOne(ctx, feed)
		if err != nil {
			appLog.Error("ics fetch failed", err, "id", feed.ID, "url", redactURL(feed.URL))
			errs = append(errs, fmt.Errorf("feed %s: %w", feed.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// FetchOne fetches a single feed. An unchanged feed answers 304 and costs no
// body transfer, so FetchOne doubles as the "changed?" check. Network errors
// and non-OK answers fall back to the cached body when there is one.
func (f *Fetcher) FetchOne(ctx context.Context, feed Feed) (FetchResult, error) {
	if feed.URL == "" {
		return FetchResult{}, errors.New("feed URL is empty")
	}
	cache, err := openFeedCache(f.cacheDir, feed.URL)
	if err != nil {
		return FetchResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if cache.usable() {
		if cache.meta.ETag != "" {
			req.Header.Set("If-None-Match", cache.meta.ETag)
		}
		if cache.meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", cache.meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", feed.ID, "url", redactURL(feed.URL))
	resp, err := f.client.Do(req)
	if err != nil {
		if cache.usable() && ctx.Err() == nil {
			appLog.Warn("ics fetch failed, serving cached body", "id", feed.ID, "url", redactURL(feed.URL), "err", err.Error())
			return cache.result(feed), nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, err
		}
		meta := feedMeta{
			URL:          feed.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := cache.store(meta, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", feed.ID)
		}
		appLog.Info("ics feed downloaded", "id", feed.ID, "bytes", len(body))
		return FetchResult{Feed: feed, Body: body, ETag: validator(meta.ETag, body)}, nil

	case http.StatusNotModified:
		if !cache.usable() {
			return FetchResult{}, errors.New("304 Not Modified without a cached body")
		}
		appLog.Debug("ics feed not modified", "id", feed.ID)
		return cache.result(feed), nil

	default:
		if cache.usable() {
			appLog.Warn("ics feed answered "+resp.Status+", serving cached body", "id", feed.ID)
			return cache.result(feed), nil
		}
		return FetchResult{}, errors.New(resp.Status)
	}
}

// validator prefers the server ETag and falls back to a content hash.
func validator(etag string, body []byte) string {
	if etag != "" {
		return etag
	}
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return `"sha256-` + hex.EncodeToString(sum[:12]) + `"`
}

// redactURL keeps scheme and host only; feed paths often carry tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
