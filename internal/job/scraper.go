package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentscraper/scrapectl/internal/model"
)

// Scraper answers one query against the job target.
type Scraper interface {
	Scrape(ctx context.Context, query string) (model.Result, error)
}

var ErrStatus = errors.New("unexpected http status")

// NewScraper returns the scraper for spec.Kind.
func NewScraper(spec model.JobSpec) (Scraper, error) {
	switch spec.Kind {
	case "", model.JobKindHTTP:
		return NewHTTPScraper(spec.Target)
	case model.JobKindNoop:
		return NoopScraper{Delay: spec.Delay.Std()}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", model.ErrInvalidJobSpec, spec.Kind)
	}
}

// Metrics are stored with every result.
type Metrics struct {
	ResponseTimeSeconds float64 `json:"response_time_seconds"`
	ResponseLengthChars int     `json:"response_length_chars"`
	ResponseWordCount   int     `json:"response_word_count"`
	StatusCode          int     `json:"status_code,omitempty"`
	Attempts            int     `json:"attempts,omitempty"`
}

func newMetrics(response string, took time.Duration) Metrics {
	return Metrics{
		ResponseTimeSeconds: took.Seconds(),
		ResponseLengthChars: len([]rune(response)),
		ResponseWordCount:   len(strings.Fields(response)),
	}
}

// HTTPScraper sends the query as the q parameter of a GET request. Responses
// 429 and 503 are retried with an exponential backoff.
type HTTPScraper struct {
	Client        *http.Client
	Target        *url.URL
	MaxBody       int64
	RetryInterval time.Duration
	MaxRetry      time.Duration
}

func NewHTTPScraper(target string) (*HTTPScraper, error) {
	u, err := model.ParseHTTPTarget(target)
	if err != nil {
		return nil, err
	}
	return &HTTPScraper{
		Client:        &http.Client{Timeout: 60 * time.Second},
		Target:        u,
		MaxBody:       1 << 20,
		RetryInterval: 2 * time.Second,
		MaxRetry:      time.Minute,
	}, nil
}

func (s *HTTPScraper) Scrape(ctx context.Context, query string) (model.Result, error) {
	u := *s.Target
	if query != "" {
		q := u.Query()
		q.Set("q", query)
		u.RawQuery = q.Encode()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.RetryInterval
	b.MaxElapsedTime = s.MaxRetry

	var attempts int
	var code int
	start := time.Now()
	body, err := backoff.RetryWithData(func() (string, error) {
		attempts++
		var body string
		var err error
		body, code, err = s.get(ctx, u.String())
		switch {
		case err != nil:
			return "", backoff.Permanent(err)
		case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
			slog.DebugContext(ctx, "target busy: retrying", "status", code, "attempt", attempts)
			return "", fmt.Errorf("%w: %d", ErrStatus, code)
		case code < 200 || code > 299:
			return "", backoff.Permanent(fmt.Errorf("%w: %d", ErrStatus, code))
		}
		return body, nil
	}, backoff.WithContext(b, ctx))
	took := time.Since(start)
	if err != nil {
		return model.Result{}, fmt.Errorf("scraping %s: %w", u.Redacted(), err)
	}

	m := newMetrics(body, took)
	m.StatusCode = code
	m.Attempts = attempts
	raw, err := json.Marshal(m)
	if err != nil {
		return model.Result{}, err
	}
	return model.Result{
		Source:   s.Target.Host,
		Query:    query,
		Response: body,
		Metrics:  raw,
	}, nil
}

func (s *HTTPScraper) get(ctx context.Context, u string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Accept", "text/plain, application/json, text/html")
	req.Header.Set("User-Agent", "scrapectl")
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(io.LimitReader(resp.Body, s.MaxBody))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return string(b), resp.StatusCode, nil
}

// NoopScraper answers every query after a fixed delay. It is used for dry runs.
type NoopScraper struct {
	Delay time.Duration
}

func (s NoopScraper) Scrape(ctx context.Context, query string) (model.Result, error) {
	start := time.Now()
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		}
	}
	response := "noop answer to " + query
	raw, err := json.Marshal(newMetrics(response, time.Since(start)))
	if err != nil {
		return model.Result{}, err
	}
	return model.Result{
		Source:   model.JobKindNoop,
		Query:    query,
		Response: response,
		Metrics:  raw,
	}, nil
}
