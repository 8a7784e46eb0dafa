// Package reports is the report proxy (C7): on demand, it opens a live
// byte stream from the worker currently hosting a given task.
package reports

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/linkflow-go/internal/overlord/task"
	"github.com/linkflow-go/pkg/logger"
	"github.com/linkflow-go/pkg/ratelimit"
)

// ItemLookup resolves a task id to its current lifecycle state and, if
// RUNNING, its reporting location. The lifecycle coordinator implements
// this; the report proxy never sees the full WorkItem table.
type ItemLookup interface {
	Lookup(taskID string) (state task.State, location *task.Location, found bool)
}

// Config holds Proxy tunables.
type Config struct {
	// StreamOpenRPS and StreamOpenBurst cap how fast new live-report
	// streams may be opened against workers, reusing the assignment
	// loop's store-write throttle mechanism. They limit the opening rate,
	// not the number of streams open at once. Zero means unlimited.
	StreamOpenRPS   int
	StreamOpenBurst int
}

// Proxy streams live task reports from whichever worker currently hosts a
// RUNNING task.
type Proxy struct {
	client  *http.Client
	lookup  ItemLookup
	logger  logger.Logger
	limiter *ratelimit.TokenBucketLimiter
}

// New constructs a Proxy. A nil client defaults to http.DefaultClient.
func New(client *http.Client, lookup ItemLookup, log logger.Logger, cfg Config) *Proxy {
	if client == nil {
		client = http.DefaultClient
	}
	return &Proxy{
		client:  client,
		lookup:  lookup,
		logger:  log,
		limiter: ratelimit.NewTokenBucketLimiter(cfg.StreamOpenRPS, cfg.StreamOpenBurst),
	}
}

// StreamTaskReports opens a live report stream for taskID. It returns
// (nil, nil) if the task does not exist, is PENDING, or is COMPLETE — the
// spec's "no stream available" cases are not errors.
func (p *Proxy) StreamTaskReports(ctx context.Context, taskID string) (io.ReadCloser, error) {
	state, location, found := p.lookup.Lookup(taskID)
	if !found {
		return nil, nil
	}
	switch state {
	case task.Pending, task.Complete:
		return nil, nil
	case task.Assigned:
		// No location has been reported yet; treat like not-yet-running.
		return nil, nil
	case task.Running:
		if location == nil {
			return nil, nil
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limited opening live reports stream: %w", err)
	}

	scheme := "http"
	if location.TLS {
		scheme = "https"
	}
	u := fmt.Sprintf("%s://%s:%d/worker/v1/chat/%s/liveReports", scheme, location.Host, location.Port, url.PathEscape(taskID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build live reports request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open live reports stream: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("worker returned unexpected status %d for live reports", resp.StatusCode)
	}

	p.logger.Debug("opened live reports stream", "taskId", taskID, "host", location.Host)
	return resp.Body, nil
}
