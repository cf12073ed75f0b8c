package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sethvargo/go-retry"
)

// ErrNetwork wraps every failure to retrieve a remote item.
var ErrNetwork = errors.New("network error")

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// smallBody is the size below which a download is probably an error page
// or an expired link rather than media.
const smallBody = 100

type Options struct {
	Timeout  time.Duration
	Retries  int
	MaxBytes int64
	Backoff  time.Duration
}

type Client struct {
	http   *http.Client
	opts   Options
	logger *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = opts.Timeout
	return &Client{http: hc, opts: opts, logger: logger}
}

// Fetch downloads url into memory. Connection failures, 5xx and 429
// responses are retried; everything that finally fails wraps ErrNetwork.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	backoff := retry.WithMaxRetries(uint64(c.opts.Retries), retry.NewExponential(c.opts.Backoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		data, retryable, err := c.get(ctx, url)
		if err != nil {
			if retryable {
				c.logger.Debug("retrying fetch", "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if len(body) < smallBody {
		c.logger.Warn("downloaded item is very small, the link may have expired", "bytes", len(body))
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var r io.Reader = resp.Body
	if c.opts.MaxBytes > 0 {
		r = &io.LimitedReader{R: resp.Body, N: c.opts.MaxBytes + 1}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}
	if c.opts.MaxBytes > 0 && int64(len(data)) > c.opts.MaxBytes {
		return nil, false, fmt.Errorf("item exceeds limit of %d bytes", c.opts.MaxBytes)
	}
	return data, false, nil
}
