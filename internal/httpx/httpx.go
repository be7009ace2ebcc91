// Package httpx is the probe's HTTP client: short timeouts appropriate for
// a one-shot NodeInfo fetch, 429/5xx backoff-and-retry, and a process-wide
// per-host semaphore so a burst of peers on the same host doesn't hammer it.
package httpx

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/safeurl"
)

// New returns a client tuned for the probe's two small JSON fetches
// (the nodeinfo pointer, then the nodeinfo document itself). The dialer
// refuses to connect to loopback/private/link-local addresses, since every
// target hostname and every redirect it sends back is attacker-controlled
// from the crawler's point of view.
func New(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: safeurl.CheckConnect,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// RetryPolicy controls when Do retries after a non-2xx response.
type RetryPolicy struct {
	MaxRetries int
	Retry429   bool
	Max429Wait time.Duration
	Retry5xx   bool
	Backoff5xx time.Duration
}

// DefaultRetryPolicy allows one retry in total, after either a 429 (waiting
// at most 15s) or a 5xx (500ms base backoff), enough to ride out a brief
// hiccup without turning a one-shot probe into a long-running job.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 1,
	Retry429:   true,
	Max429Wait: 15 * time.Second,
	Retry5xx:   true,
	Backoff5xx: 500 * time.Millisecond,
}

// GlobalHostSem caps concurrent in-flight requests per scheme+host within
// this process. Each --check subprocess has its own copy, so it does not
// limit requests made by different probe subprocesses.
var GlobalHostSem = NewHostSemaphore(4)

// HostSemaphore is a per-host concurrency limiter shared across callers.
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

func NewHostSemaphore(limit int) *HostSemaphore {
	if limit < 1 {
		limit = 1
	}
	return &HostSemaphore{sems: make(map[string]chan struct{}), limit: limit}
}

// Acquire blocks until a slot for host is free and returns a release func.
// host should be the scheme+host portion of the target URL.
func (h *HostSemaphore) Acquire(host string) func() {
	h.mu.Lock()
	sem, ok := h.sems[host]
	if !ok {
		sem = make(chan struct{}, h.limit)
		h.sems[host] = sem
	}
	h.mu.Unlock()

	sem <- struct{}{}
	return func() { <-sem }
}

// Do performs req with GlobalHostSem throttling and DefaultRetryPolicy
// backoff-and-retry on 429/5xx. Non-2xx terminal responses are returned as
// *StatusError so callers can decide how to react.
func Do(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	release := GlobalHostSem.Acquire(req.URL.Scheme + "://" + req.URL.Host)
	defer release()

	policy := DefaultRetryPolicy
	var lastResp *http.Response
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			req2 := req.Clone(ctx)
			req = req2
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests && policy.Retry429 && attempt < policy.MaxRetries {
			drain(resp)
			wait := jitter(parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode >= 500 && resp.StatusCode < 600 && policy.Retry5xx && attempt < policy.MaxRetries {
			drain(resp)
			wait := jitter(policy.Backoff5xx * time.Duration(1<<uint(attempt)))
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		lastResp = resp
		break
	}
	if lastResp.StatusCode < 200 || lastResp.StatusCode >= 300 {
		drain(lastResp)
		return nil, &StatusError{URL: req.URL.String(), StatusCode: lastResp.StatusCode}
	}
	return lastResp, nil
}

// StatusError reports a terminal non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpx: %s returned HTTP %d", e.URL, e.StatusCode)
}

func drain(resp *http.Response) {
	if resp == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := float64(d) * 0.25
	delta := time.Duration(rand.Int63n(int64(frac*2+1))) - time.Duration(frac)
	result := d + delta
	if result < 0 {
		return 0
	}
	return result
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
