package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type dialer struct {
	eventBuffer  int
	writeTimeout time.Duration
	pollInterval time.Duration
}

type DialOption func(d *dialer)

// WithDialEventBuffer bounds the incoming event buffer on the dialed side.
func WithDialEventBuffer(n int) DialOption {
	return func(d *dialer) {
		d.eventBuffer = n
	}
}

// WithDialWriteTimeout bounds a single message write on the dialed side.
func WithDialWriteTimeout(d time.Duration) DialOption {
	return func(dl *dialer) {
		dl.writeTimeout = d
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Dial connects a view process back to the app process channel endpoint,
// presenting the generation it was spawned under. It waits for the endpoint
// to come up first, so a view process started slightly ahead of the listener
// still connects. The supplied context bounds the whole attempt.
func Dial(ctx context.Context, log *zap.SugaredLogger, endpoint string, gen uint64, opts ...DialOption) (*Conn, error) {
	d := &dialer{pollInterval: 50 * time.Millisecond}
	for _, o := range opts {
		o(d)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 10
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.Logger = &logAdapter{SugaredLogger: log}
	httpClient := retryClient.StandardClient()

	healthURL := fmt.Sprintf("http://%s/healthz", u.Host)
	if err := waitForListener(ctx, log, httpClient, healthURL, d.pollInterval); err != nil {
		return nil, fmt.Errorf("waiting for channel endpoint: %w", err)
	}

	q := u.Query()
	q.Set("gen", strconv.FormatUint(gen, 10))
	u.RawQuery = q.Encode()

	log.Debugw("dialing channel endpoint", "URL", u.String())
	wsConn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:      httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	return newConn(log.Named("conn"), wsConn, gen, d.eventBuffer, d.writeTimeout), nil
}

func waitForListener(ctx context.Context, log *zap.SugaredLogger, client *http.Client, healthURL string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return fmt.Errorf("building healthz request: %w", err)
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Debug("channel endpoint is up")
				return nil
			}
			err = fmt.Errorf("unexpected healthz status code %d", resp.StatusCode)
		}
		log.Debugf("channel endpoint not ready: %s", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
