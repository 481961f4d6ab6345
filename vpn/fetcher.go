package vpn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yllada/ovpn-launcher/common"
)

// NetworkChecker reports whether the machine has an active network.
type NetworkChecker interface {
	Online(ctx context.Context) (bool, error)
}

// FetcherOptions configures a Fetcher. Zero values take defaults.
type FetcherOptions struct {
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers and for each read
	// of the body.
	ReadTimeout time.Duration
	Retries     int
	MaxBytes    int64
	UserAgent   string
	// Checker gates remote fetches. Nil skips the precheck.
	Checker NetworkChecker
	Logger  *common.AppLogger
}

// Fetcher obtains raw configuration text from a ConfigSource.
type Fetcher struct {
	opts   FetcherOptions
	client *retryablehttp.Client
}

// NewFetcher creates a Fetcher whose connections are bounded by the
// configured timeouts.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = common.FetchConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = common.FetchReadTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = common.MaxConfigSize
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Logger == nil {
		opts.Logger = common.GetLogger()
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	readTimeout := opts.ReadTimeout
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &idleTimeoutConn{Conn: conn, timeout: readTimeout}, nil
		},
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		DisableKeepAlives:     true,
		ForceAttemptHTTP2:     true,
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Transport: transport}
	client.RetryMax = opts.Retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = common.RetryLogger{L: opts.Logger}
	// Hand the last response back so status codes can be reported.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Fetcher{opts: opts, client: client}
}

// Fetch returns the configuration text named by src.
//
// Remote fetches fail with ErrNetworkUnavailable before any request when
// the network checker reports no network, with ErrFetchTimeout when the
// server does not answer in time, and with ErrFetchFailed otherwise.
// Local files that do not exist yield ErrFileNotFound. Inline text is
// returned as is. If ctx ends first, its error is returned.
func (f *Fetcher) Fetch(ctx context.Context, src ConfigSource) (string, error) {
	if err := src.Validate(); err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "vpn.Fetch", trace.WithAttributes(
		attribute.String("source.kind", src.Kind().String()),
	))
	defer span.End()

	var (
		text string
		err  error
	)
	switch src.Kind() {
	case SourceRemoteURL:
		text, err = f.fetchRemote(ctx, strings.TrimSpace(src.Value()))
	case SourceLocalFile:
		text, err = f.readLocal(ctx, src.Value())
	case SourceInlineText:
		text = src.Value()
	}
	if err != nil {
		return "", recordError(ctx, err)
	}
	span.SetAttributes(attribute.Int("config.bytes", len(text)))
	return text, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, rawURL string) (string, error) {
	if f.opts.Checker != nil {
		checkCtx, cancel := context.WithTimeout(ctx, f.opts.ConnectTimeout)
		online, err := f.opts.Checker.Online(checkCtx)
		cancel()
		switch {
		case err != nil:
			f.opts.Logger.Warn("Connectivity check failed, fetching anyway: %v", err)
		case !online:
			return "", common.ErrNetworkUnavailable
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrInvalidSource, err)
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	f.opts.Logger.Debug("Fetching configuration from %s", rawURL)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", f.classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %s", common.ErrFetchFailed, resp.Status)
	}

	data, err := f.readLimited(resp.Body)
	if err != nil {
		return "", f.classify(ctx, err)
	}
	return string(data), nil
}

func (f *Fetcher) readLocal(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", common.ErrFileNotFound, path)
		}
		return "", fmt.Errorf("%w: %v", common.ErrFetchFailed, err)
	}
	defer file.Close()

	data, err := f.readLimited(&ctxReader{ctx: ctx, r: file})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return string(data), nil
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.opts.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, fmt.Errorf("%w: configuration exceeds %d bytes", common.ErrFetchFailed, f.opts.MaxBytes)
	}
	return data, nil
}

func (f *Fetcher) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, common.ErrFetchFailed) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", common.ErrFetchTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", common.ErrFetchTimeout, err)
	}
	return fmt.Errorf("%w: %v", common.ErrFetchFailed, err)
}

// idleTimeoutConn refreshes the read deadline before every read, so a
// server that stalls mid-body is cut off after timeout.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
