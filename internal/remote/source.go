// Package remote reads reservations from the scheduling HTTP API, a JSON
// array of reservation DTOs validated by ETag.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"drivegrid/internal/freshness"
	appLog "drivegrid/internal/log"
	"drivegrid/internal/model"
)

// ErrUnexpectedStatus wraps non-2xx, non-304 answers.
var ErrUnexpectedStatus = errors.New("remote: unexpected status")

// Options configures a Source.
type Options struct {
	Client   *http.Client
	Header   http.Header
	Location *time.Location

	// Breaker trips after MaxFailures consecutive failures and stays open
	// for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

type response struct {
	status int
	etag   string
	body   []byte
}

// Source implements freshness.Source over HTTP. Every call goes through a
// circuit breaker so an unreachable API is not hammered by the poll loop.
type Source struct {
	url  string
	opts Options
	cb   *gobreaker.CircuitBreaker[response]

	mu      sync.Mutex
	pending *response
}

func New(url string, opts Options) *Source {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	maxFailures := opts.MaxFailures
	cb := gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        "reservations-api",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			appLog.Warn("remote: circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Source{url: url, opts: opts, cb: cb}
}

// State reports the breaker state ("closed", "half-open", "open").
func (s *Source) State() string {
	return s.cb.State().String()
}

// Check sends a conditional GET. A 304 is "unchanged"; a 200 with a new
// validator is kept so the following Load does not download it again.
func (s *Source) Check(ctx context.Context, etag string) (bool, error) {
	if etag == "" {
		return true, nil
	}
	resp, err := s.do(ctx, etag)
	if err != nil {
		return false, err
	}
	if resp.status == http.StatusNotModified {
		return false, nil
	}
	if resp.etag != "" && resp.etag == etag {
		return false, nil
	}
	s.mu.Lock()
	s.pending = &resp
	s.mu.Unlock()
	return true, nil
}

// Load returns the full reservation list.
func (s *Source) Load(ctx context.Context) (freshness.Snapshot, error) {
	s.mu.Lock()
	resp := s.pending
	s.pending = nil
	s.mu.Unlock()

	if resp == nil {
		r, err := s.do(ctx, "")
		if err != nil {
			return freshness.Snapshot{}, err
		}
		resp = &r
	}

	list, err := model.DecodeReservations(resp.body, s.opts.Location)
	if err != nil {
		return freshness.Snapshot{}, fmt.Errorf("remote: decode reservations: %w", err)
	}
	return freshness.Snapshot{Reservations: list, ETag: resp.etag}, nil
}

func (s *Source) do(ctx context.Context, etag string) (response, error) {
	return s.cb.Execute(func() (response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return response{}, err
		}
		for k, vs := range s.opts.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		resp, err := s.opts.Client.Do(req)
		if err != nil {
			return response{}, err
		}
		defer resp.Body.Close()

		out := response{status: resp.StatusCode, etag: resp.Header.Get("ETag")}
		switch {
		case resp.StatusCode == http.StatusNotModified:
			return out, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			out.body, err = io.ReadAll(resp.Body)
			if err != nil {
				return response{}, err
			}
			return out, nil
		default:
			return response{}, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
		}
	})
}

var _ freshness.Source = (*Source)(nil)
