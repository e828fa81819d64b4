package watch

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/preview-operator/metrics"
	"github.com/imjasonh/preview-operator/resource"
	"k8s.io/apimachinery/pkg/util/wait"
)

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 64 << 10

// DefaultBackoff is the reconnect backoff used when none is configured:
// 200ms doubling up to 30s, with 10% jitter.
var DefaultBackoff = wait.Backoff{
	Duration: 200 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    math.MaxInt32,
	Cap:      30 * time.Second,
}

// Client opens watch streams against one API server.
type Client struct {
	host    string
	creds   CredentialProvider
	backoff wait.Backoff
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the backoff applied between reconnect attempts.
func WithBackoff(b wait.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// NewClient returns a Client for the API server at host (scheme://host[:port]).
func NewClient(host string, creds CredentialProvider, opts ...Option) *Client {
	c := &Client{
		host:    host,
		creds:   creds,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts a watch on the collection of reg. A non-2xx response is
// returned as an API status error and is never retried here.
func (c *Client) Open(ctx context.Context, reg resource.Registration) (*Stream, error) {
	rt, err := c.creds.Transport()
	if err != nil {
		return nil, err
	}

	u := c.host + reg.CollectionPath() + "?" + url.Values{"watch": []string{"true"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building watch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	clog.DebugContext(ctx, "opening watch", "resource", reg.ID(), "url", u)
	resp, err := (&http.Client{Transport: rt}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("watching %s: %w", reg.ID(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, StatusError(resp.StatusCode, http.MethodGet, body)
	}

	return newStream(ctx, reg.ID(), resp.Body), nil
}

// Run delivers every record of first, then keeps re-opening the watch on reg
// until ctx is done. A stream the server closed cleanly is re-opened after
// the base delay of the client's backoff; failed opens and broken streams
// back off further, until a stream ends cleanly or delivers records.
// If first is nil, Run opens the initial stream itself.
func (c *Client) Run(ctx context.Context, reg resource.Registration, first *Stream, fn func(Record)) error {
	backoff := c.backoff
	stream := first
	reconnect := first != nil
	for ctx.Err() == nil {
		if stream == nil {
			s, err := c.Open(ctx, reg)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				clog.WarnContext(ctx, "failed to open watch", "resource", reg.ID(), "error", err)
				if !sleep(ctx, backoff.Step()) {
					return nil
				}
				continue
			}
			if reconnect {
				metrics.WatchReconnects.WithLabelValues(reg.ID()).Inc()
			}
			reconnect = true
			stream = s
		}

		delivered, err := drain(stream, fn)
		stream.Close()
		stream = nil
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			clog.WarnContext(ctx, "watch stream failed", "resource", reg.ID(), "error", err)
		} else {
			clog.DebugContext(ctx, "watch stream ended", "resource", reg.ID(), "records", delivered)
		}
		if err == nil || delivered > 0 {
			backoff = c.backoff
		}
		if !sleep(ctx, backoff.Step()) {
			return nil
		}
	}
	return nil
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func drain(s *Stream, fn func(Record)) (int, error) {
	n := 0
	for {
		rec, err := s.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		fn(rec)
	}
}
