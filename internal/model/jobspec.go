package model

import (
	"errors"
	"fmt"
	"net/url"
)

const (
	JobKindHTTP = "http"
	JobKindNoop = "noop"

	MaxRuns        = 100
	MaxConcurrency = 25
)

// JobSpec is the configuration describing one scrape. The control plane only
// validates and persists it, the job process interprets it.
type JobSpec struct {
	Name          string         `json:"name,omitempty"`
	Target        string         `json:"target"`
	Kind          string         `json:"kind,omitempty"`
	Queries       []string       `json:"queries,omitempty"`
	Runs          int            `json:"runs,omitempty"`
	Concurrency   int            `json:"concurrency,omitempty"`
	RatePerSecond float64        `json:"rate_per_second,omitempty"`
	Delay         Duration       `json:"delay,omitempty"` // noop kind only
	Extra         map[string]any `json:"extra,omitempty"`
}

var ErrInvalidJobSpec = errors.New("invalid job spec")

// WithDefaults returns a copy with zero values replaced by defaults.
func (s JobSpec) WithDefaults() JobSpec {
	if s.Kind == "" {
		s.Kind = JobKindHTTP
	}
	if s.Runs == 0 {
		s.Runs = 1
	}
	if s.Concurrency == 0 {
		s.Concurrency = 1
	}
	if s.Name == "" {
		s.Name = s.Target
	}
	return s
}

func (s JobSpec) Validate() error {
	switch {
	case s.Target == "":
		return fmt.Errorf("%w: target is empty", ErrInvalidJobSpec)
	case s.Kind != "" && s.Kind != JobKindHTTP && s.Kind != JobKindNoop:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidJobSpec, s.Kind)
	case s.Runs < 0 || s.Runs > MaxRuns:
		return fmt.Errorf("%w: runs must be within 1..%d, got %d", ErrInvalidJobSpec, MaxRuns, s.Runs)
	case s.Concurrency < 0 || s.Concurrency > MaxConcurrency:
		return fmt.Errorf("%w: concurrency must be within 1..%d, got %d", ErrInvalidJobSpec, MaxConcurrency, s.Concurrency)
	case s.RatePerSecond < 0:
		return fmt.Errorf("%w: negative rate_per_second", ErrInvalidJobSpec)
	case s.Delay < 0:
		return fmt.Errorf("%w: negative delay", ErrInvalidJobSpec)
	}
	if s.Kind == "" || s.Kind == JobKindHTTP {
		_, err := ParseHTTPTarget(s.Target)
		return err
	}
	return nil
}

// ParseHTTPTarget accepts absolute http and https urls only.
func ParseHTTPTarget(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing target: %w", ErrInvalidJobSpec, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: target %q is not an http url", ErrInvalidJobSpec, target)
	}
	return u, nil
}

// Total is the planned number of scraped items.
func (s JobSpec) Total() int {
	s = s.WithDefaults()
	queries := len(s.Queries)
	if queries == 0 {
		queries = 1
	}
	return s.Runs * queries
}
