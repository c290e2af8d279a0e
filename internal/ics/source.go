package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"drivegrid/internal/freshness"
	appLog "drivegrid/internal/log"
)

// SourceOptions bounds the expansion window around now.
type SourceOptions struct {
	Location *time.Location
	Past     time.Duration
	Future   time.Duration
	Now      func() time.Time
}

// ReservationSource serves reservations from one or more ICS feeds.
type ReservationSource struct {
	fetcher *Fetcher
	feeds   []Feed
	opts    SourceOptions
}

// NewReservationSource defaults to 60 days back and 180 days ahead.
func NewReservationSource(f *Fetcher, feeds []Feed, opts SourceOptions) *ReservationSource {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Past <= 0 {
		opts.Past = 60 * 24 * time.Hour
	}
	if opts.Future <= 0 {
		opts.Future = 180 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ReservationSource{fetcher: f, feeds: feeds, opts: opts}
}

// Check fetches every feed conditionally and compares the combined
// validator against etag. Unchanged feeds answer 304 and transfer nothing.
func (s *ReservationSource) Check(ctx context.Context, etag string) (bool, error) {
	if etag == "" {
		return true, nil
	}
	results, err := s.fetch(ctx)
	if err != nil {
		return false, err
	}
	return combineTags(results) != etag, nil
}

// Load fetches, parses and expands every feed into one snapshot. Any feed
// failing without a cached body fails the whole load so that a partial
// snapshot never replaces a complete one.
func (s *ReservationSource) Load(ctx context.Context) (freshness.Snapshot, error) {
	results, err := s.fetch(ctx)
	if err != nil {
		return freshness.Snapshot{}, err
	}

	var events []ParsedEvent
	for _, res := range results {
		evs, err := ParseICS(res.Feed, res.Body)
		if err != nil {
			return freshness.Snapshot{}, fmt.Errorf("parse feed %s: %w", res.Feed.ID, err)
		}
		events = append(events, evs...)
	}

	now := s.opts.Now().In(s.opts.Location)
	expanded, err := ExpandReservations(events, ExpandConfig{
		DisplayLocation: s.opts.Location,
		RangeStart:      now.Add(-s.opts.Past),
		RangeEnd:        now.Add(s.opts.Future),
	})
	if err != nil {
		return freshness.Snapshot{}, err
	}

	appLog.Info("ics reservations loaded", "feeds", len(results), "reservations", len(expanded.Reservations))
	return freshness.Snapshot{Reservations: expanded.Reservations, ETag: combineTags(results)}, nil
}

func (s *ReservationSource) fetch(ctx context.Context) ([]FetchResult, error) {
	if len(s.feeds) == 0 {
		return nil, errors.New("ics: no feeds configured")
	}
	results, errs := s.fetcher.FetchAll(ctx, s.feeds)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return results, nil
}

// combineTags folds per-feed validators into one snapshot ETag.
func combineTags(results []FetchResult) string {
	if len(results) == 1 {
		return results[0].ETag
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Feed.ID+"="+r.ETag)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return `"feeds-` + hex.EncodeToString(sum[:12]) + `"`
}

var _ freshness.Source = (*ReservationSource)(nil)
