package vpn

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/ovpn-launcher/common"
)

type checkerFunc func(ctx context.Context) (bool, error)

func (f checkerFunc) Online(ctx context.Context) (bool, error) { return f(ctx) }

func online(context.Context) (bool, error)  { return true, nil }
func offline(context.Context) (bool, error) { return false, nil }

func quietLogger() *common.AppLogger {
	return common.NewLogger(&bytes.Buffer{}, common.LevelDebug)
}

func newTestFetcher(opts FetcherOptions) *Fetcher {
	opts.Logger = quietLogger()
	return NewFetcher(opts)
}

// stall blocks until the client goes away or the test gives up.
func stall(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

func TestFetch_Inline(t *testing.T) {
	f := newTestFetcher(FetcherOptions{Checker: checkerFunc(offline)})
	text, err := f.Fetch(context.Background(), InlineText(twelveLineConfig))
	require.NoError(t, err)
	assert.Equal(t, twelveLineConfig, text)
}

func TestFetch_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.ovpn")
	require.NoError(t, os.WriteFile(path, []byte(twelveLineConfig), 0600))

	f := newTestFetcher(FetcherOptions{})
	text, err := f.Fetch(context.Background(), LocalFile(path))
	require.NoError(t, err)
	assert.Equal(t, twelveLineConfig, text)
}

func TestFetch_LocalFileMissing(t *testing.T) {
	f := newTestFetcher(FetcherOptions{})
	_, err := f.Fetch(context.Background(), LocalFile(filepath.Join(t.TempDir(), "nope.ovpn")))
	assert.ErrorIs(t, err, common.ErrFileNotFound)
}

func TestFetch_LocalFileTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.ovpn")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 64), 0600))

	f := newTestFetcher(FetcherOptions{MaxBytes: 32})
	_, err := f.Fetch(context.Background(), LocalFile(path))
	assert.ErrorIs(t, err, common.ErrFetchFailed)
}

func TestFetch_Remote(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.UserAgent())
		w.Write([]byte(twelveLineConfig))
	}))
	defer srv.Close()

	f := newTestFetcher(FetcherOptions{Checker: checkerFunc(online), UserAgent: "ovpn-launcher-test"})
	text, err := f.Fetch(context.Background(), RemoteURL(srv.URL+"/client.ovpn"))
	require.NoError(t, err)
	assert.Equal(t, twelveLineConfig, text)
	assert.Equal(t, "ovpn-launcher-test", ua.Load())
}

func TestFetch_RemoteNoNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := newTestFetcher(FetcherOptions{Checker: checkerFunc(offline)})
	_, err := f.Fetch(context.Background(), RemoteURL(srv.URL))
	assert.ErrorIs(t, err, common.ErrNetworkUnavailable)
	assert.Zero(t, hits.Load(), "no request may be sent without a network")
}

func TestFetch_RemoteCheckerErrorStillFetches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote x\n"))
	}))
	defer srv.Close()

	f := newTestFetcher(FetcherOptions{Checker: checkerFunc(func(context.Context) (bool, error) {
		return false, errors.New("dbus unavailable")
	})})
	text, err := f.Fetch(context.Background(), RemoteURL(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "remote x\n", text)
}

func TestFetch_RemoteCheckerBoundedByConnectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote x\n"))
	}))
	defer srv.Close()

	var hadDeadline atomic.Bool
	f := newTestFetcher(FetcherOptions{
		ConnectTimeout: 50 * time.Millisecond,
		Checker: checkerFunc(func(ctx context.Context) (bool, error) {
			_, ok := ctx.Deadline()
			hadDeadline.Store(ok)
			<-ctx.Done()
			return false, ctx.Err()
		}),
	})

	start := time.Now()
	text, err := f.Fetch(context.Background(), RemoteURL(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "remote x\n", text)
	assert.True(t, hadDeadline.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetch_RemoteStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(FetcherOptions{})
	_, err := f.Fetch(context.Background(), RemoteURL(srv.URL))
	assert.ErrorIs(t, err, common.ErrFetchFailed)
	assert.Contains(t, err.Error(), "404")
}

func TestFetch_RemoteRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("remote x\n"))
	}))
	defer srv.Close()

	f := newTestFetcher(FetcherOptions{Retries: 1})
	text, err := f.Fetch(context.Background(), RemoteURL(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "remote x\n", text)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_RemoteHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stall(r)
	}))
	defer srv.Close()

	f := newTestFetcher(FetcherOptions{ReadTimeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := f.Fetch(context.Background(), RemoteURL(srv.URL))
	assert.ErrorIs(t, err, common.ErrFetchTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFetch_RemoteBodyStall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("client\n"))
		w.(http.Flusher).Flush()
		stall(r)
	}))
	defer srv.Close()

	f := newTestFetcher(FetcherOptions{ReadTimeout: 100 * time.Millisecond})
	text, err := f.Fetch(context.Background(), RemoteURL(srv.URL))
	assert.ErrorIs(t, err, common.ErrFetchTimeout)
	assert.Empty(t, text, "partial bodies are never returned")
}

func TestFetch_RemoteTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	f := newTestFetcher(FetcherOptions{MaxBytes: 10})
	_, err := f.Fetch(context.Background(), RemoteURL(srv.URL))
	assert.ErrorIs(t, err, common.ErrFetchFailed)
}

func TestFetch_RemoteCancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		stall(r)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	f := newTestFetcher(FetcherOptions{ReadTimeout: 5 * time.Second})
	_, err := f.Fetch(ctx, RemoteURL(srv.URL))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetch_InvalidURL(t *testing.T) {
	f := newTestFetcher(FetcherOptions{})
	_, err := f.Fetch(context.Background(), RemoteURL("gopher://example.com"))
	assert.ErrorIs(t, err, common.ErrInvalidSource)
}
