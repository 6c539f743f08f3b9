// Package opensearch indexes history events into OpenSearch (or
// Elasticsearch) over its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/redeployr/internal/history"
)

type Options struct {
	URL      string // scheme://host:port
	Index    string
	Username string
	Password string
	// Daily appends -YYYY.MM.DD (UTC, from the event time) to Index.
	Daily   bool
	Timeout time.Duration
}

type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	opts.URL = strings.TrimRight(opts.URL, "/")
	if opts.Index == "" {
		opts.Index = "redeployr-history"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = history.SendTimeout
	}
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

func (s *Sink) index(at time.Time) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + at.UTC().Format("2006.01.02")
}

// Send indexes e. Deploy events are stored under their attempt ID so a
// retried send overwrites instead of duplicating.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	method, u := http.MethodPost, s.opts.URL+"/"+url.PathEscape(s.index(e.OccurredAt))+"/_doc"
	if e.Type == history.EventDeploy && e.Record.AttemptID != "" {
		method, u = http.MethodPut, u+"/"+url.PathEscape(e.Record.AttemptID)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: %s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
