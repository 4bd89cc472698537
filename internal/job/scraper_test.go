package job_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentscraper/scrapectl/internal/job"
	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/stretchr/testify/require"
)

func TestNewScraper(t *testing.T) {
	t.Parallel()

	s, err := job.NewScraper(model.JobSpec{Target: "https://example.com/chat"})
	require.NoError(t, err)
	require.IsType(t, &job.HTTPScraper{}, s)

	s, err = job.NewScraper(model.JobSpec{Target: "dry-run", Kind: model.JobKindNoop, Delay: model.Duration(time.Second)})
	require.NoError(t, err)
	require.Equal(t, job.NoopScraper{Delay: time.Second}, s)

	_, err = job.NewScraper(model.JobSpec{Target: "ftp://example.com"})
	require.ErrorIs(t, err, model.ErrInvalidJobSpec)
	_, err = job.NewScraper(model.JobSpec{Target: "x", Kind: "browser"})
	require.ErrorIs(t, err, model.ErrInvalidJobSpec)
}

func TestHTTPScraper(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/busy":
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		case "/missing":
			http.NotFound(w, r)
			return
		}
		_, _ = fmt.Fprintf(w, "you asked about %s", r.URL.Query().Get("q"))
	}))
	t.Cleanup(srv.Close)

	newScraper := func(t *testing.T, path string) *job.HTTPScraper {
		t.Helper()
		s, err := job.NewHTTPScraper(srv.URL + path)
		require.NoError(t, err)
		s.RetryInterval = 10 * time.Millisecond
		s.MaxRetry = 2 * time.Second
		return s
	}

	t.Run("ok", func(t *testing.T) {
		t.Parallel()
		res, err := newScraper(t, "/chat").Scrape(t.Context(), "used cars")
		require.NoError(t, err)
		require.Equal(t, "you asked about used cars", res.Response)
		require.Equal(t, "used cars", res.Query)
		u, err := url.Parse(srv.URL)
		require.NoError(t, err)
		require.Equal(t, u.Host, res.Source)

		var m job.Metrics
		require.NoError(t, json.Unmarshal(res.Metrics, &m))
		require.Equal(t, 5, m.ResponseWordCount)
		require.Equal(t, len(res.Response), m.ResponseLengthChars)
		require.Equal(t, http.StatusOK, m.StatusCode)
		require.Equal(t, 1, m.Attempts)
		require.Positive(t, m.ResponseTimeSeconds)
	})

	t.Run("busy is retried", func(t *testing.T) {
		t.Parallel()
		res, err := newScraper(t, "/busy").Scrape(t.Context(), "q")
		require.NoError(t, err)
		var m job.Metrics
		require.NoError(t, json.Unmarshal(res.Metrics, &m))
		require.Equal(t, 2, m.Attempts)
	})

	t.Run("not found is permanent", func(t *testing.T) {
		t.Parallel()
		_, err := newScraper(t, "/missing").Scrape(t.Context(), "q")
		require.ErrorIs(t, err, job.ErrStatus)
		require.ErrorContains(t, err, "404")
	})
}

func TestNoopScraper(t *testing.T) {
	t.Parallel()
	res, err := job.NoopScraper{}.Scrape(t.Context(), "hello")
	require.NoError(t, err)
	require.Equal(t, model.JobKindNoop, res.Source)
	require.Equal(t, "noop answer to hello", res.Response)
}
