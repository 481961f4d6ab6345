package vpn

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/events"
)

type controllerFixture struct {
	c       *Controller
	bus     *events.Bus
	store   *memStore
	session *fakeSession
	rec     *recorder
}

func newFixture(t *testing.T, fetcher ConfigFetcher, tweak func(*ControllerOptions)) *controllerFixture {
	t.Helper()
	bus := events.NewBus()
	f := &controllerFixture{
		bus:     bus,
		store:   newMemStore(),
		session: &fakeSession{bus: bus},
		rec:     &recorder{},
	}
	if fetcher == nil {
		fetcher = newTestFetcher(FetcherOptions{Checker: checkerFunc(online)})
	}
	opts := ControllerOptions{
		Fetcher:     fetcher,
		Store:       f.store,
		Session:     f.session,
		Bus:         bus,
		Defaults:    ProfileDefaults{Name: "Test Device", Username: "vpn", Password: "vpn"},
		StopTimeout: time.Second,
		Logger:      common.NewLogger(io.Discard, common.LevelError),
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.c = NewController(opts)
	f.c.Register(f.rec)
	t.Cleanup(f.c.Close)
	return f
}

func (f *controllerFixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		states := f.rec.states()
		return f.c.State() == StateIdle && len(states) > 0 && states[len(states)-1] == "Stopping>Idle" ||
			f.c.State() == StateIdle && len(states) > 0 && states[len(states)-1] == "Failed>Idle"
	}, 3*time.Second, 5*time.Millisecond)
}

func (f *controllerFixture) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.c.State() == s }, 3*time.Second, 5*time.Millisecond)
}

func (f *controllerFixture) connect(t *testing.T) {
	t.Helper()
	f.session.autoState = events.StateConnected
	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	f.waitState(t, StateConnected)
	require.Eventually(t, func() bool {
		return len(f.rec.signals()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.c.Status().Handle == "tun-1" }, time.Second, 5*time.Millisecond)
}

func (f *controllerFixture) expectSignals(t *testing.T, want []string) {
	t.Helper()
	assert.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, f.rec.signals()) }, time.Second, 5*time.Millisecond,
		"signals: %v", f.rec.signals())
}

func (f *controllerFixture) expectStates(t *testing.T, want []string) {
	t.Helper()
	assert.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, f.rec.states()) }, time.Second, 5*time.Millisecond,
		"states: %v", f.rec.states())
}

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.ovpn")
	require.NoError(t, os.WriteFile(path, []byte(text), 0600))
	return path
}

func TestController_LaunchLocalFile(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.session.autoState = events.StateConnected

	require.NoError(t, f.c.Launch(context.Background(), LocalFile(writeConfig(t, twelveLineConfig))))
	f.waitState(t, StateConnected)

	require.Eventually(t, func() bool { return len(f.rec.signals()) == 2 }, time.Second, 5*time.Millisecond)
	f.expectSignals(t, []string{"acquired:true", "connected:true"})
	f.expectStates(t, []string{"Idle>Acquiring", "Acquiring>Starting", "Starting>Connected"})

	require.Eventually(t, func() bool { return f.c.Status().Handle != "" }, time.Second, 5*time.Millisecond)

	p, err := f.store.Load("Test Device")
	require.NoError(t, err)
	assert.Len(t, p.Directives, 11)
	assert.Equal(t, "vpn", p.Username)
	assert.Equal(t, ProfileID("Test Device"), p.ID)

	st := f.c.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, "Test Device", st.Profile)
	assert.Equal(t, Handle("tun-1"), st.Handle)
	assert.Equal(t, events.StateConnected, st.EngineState)
	assert.Nil(t, st.LastFailure)
}

func TestController_LaunchWhileBusy(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(t)
	before := f.rec.all()

	err := f.c.Launch(context.Background(), InlineText(twelveLineConfig))
	assert.ErrorIs(t, err, common.ErrBusy)
	assert.Equal(t, StateConnected, f.c.State())
	assert.Equal(t, before, f.rec.all())
	assert.Equal(t, 1, f.session.starts())
}

func TestController_LaunchWhileAcquiring(t *testing.T) {
	release := make(chan struct{})
	fetch := fetcherFunc(func(ctx context.Context, src ConfigSource) (string, error) {
		select {
		case <-release:
			return twelveLineConfig, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	f := newFixture(t, fetch, nil)
	defer close(release)

	require.NoError(t, f.c.Launch(context.Background(), InlineText("a")))
	assert.ErrorIs(t, f.c.Launch(context.Background(), InlineText("b")), common.ErrBusy)
	f.expectStates(t, []string{"Idle>Acquiring"})
}

func TestController_StopWhileIdle(t *testing.T) {
	f := newFixture(t, nil, nil)

	f.c.RequestStop()
	assert.Equal(t, StateIdle, f.c.State())
	assert.Empty(t, f.rec.all())
	assert.Empty(t, f.session.stops())
}

func TestController_StopWhileConnected(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(t)

	f.c.RequestStop()
	assert.Equal(t, StateIdle, f.c.State())
	f.expectSignals(t, []string{"acquired:true", "connected:true", "connected:false"})
	assert.Equal(t, []Handle{"tun-1"}, f.session.stops())
	f.expectStates(t, []string{"Idle>Acquiring", "Acquiring>Starting", "Starting>Connected", "Connected>Stopping", "Stopping>Idle"})

	// A second stop is a no-op.
	f.c.RequestStop()
	assert.Len(t, f.session.stops(), 1)
}

func TestController_StopWhileAcquiring(t *testing.T) {
	fetch := fetcherFunc(func(ctx context.Context, src ConfigSource) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	f := newFixture(t, fetch, nil)

	require.NoError(t, f.c.Launch(context.Background(), InlineText("x")))
	f.c.RequestStop()
	assert.Equal(t, StateIdle, f.c.State())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.rec.signals())
	assert.Zero(t, f.store.count())
	assert.Zero(t, f.session.starts())
	f.expectStates(t, []string{"Idle>Acquiring", "Acquiring>Stopping", "Stopping>Idle"})
}

func TestController_StopWhileStarting(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.session.gate = make(chan struct{})

	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	f.waitState(t, StateStarting)

	f.c.RequestStop()
	assert.Equal(t, StateIdle, f.c.State())
	f.expectSignals(t, []string{"acquired:true", "connected:false"})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.session.starts())
}

func TestController_RelaunchAfterStopWhileEngineStarting(t *testing.T) {
	eng := newFakeEngine("eng")
	eng.gate = make(chan struct{})
	session := NewSession(&fakeDialer{engines: []*fakeEngine{eng}}, SessionOptions{
		Logger: common.NewLogger(io.Discard, common.LevelError),
	})
	t.Cleanup(session.Close)
	session.Bind(context.Background())
	require.Eventually(t, session.Bound, time.Second, 5*time.Millisecond)

	f := newFixture(t, nil, func(o *ControllerOptions) { o.Session = session })
	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	f.waitState(t, StateStarting)

	stopped := make(chan struct{})
	go func() {
		f.c.RequestStop()
		close(stopped)
	}()
	f.waitState(t, StateStopping)
	select {
	case <-stopped:
		t.Fatal("stop returned while the engine was still starting")
	case <-time.After(50 * time.Millisecond):
	}

	close(eng.gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the engine start settled")
	}
	assert.Equal(t, StateIdle, f.c.State())
	assert.Equal(t, []Handle{"eng-1"}, eng.stops())
	assert.Empty(t, session.Active())

	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	require.Eventually(t, func() bool { return f.c.Status().Handle == "eng-2" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStarting, f.c.State())
	assert.Empty(t, f.rec.failures())
}

func TestController_StopWhilePersisting(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.gate = make(chan struct{})
	f.store.entered = make(chan struct{})

	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	select {
	case <-f.store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("profile was never saved")
	}

	stopped := make(chan struct{})
	go func() {
		f.c.RequestStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while the profile was being written")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.store.gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the write")
	}

	// The stop landed after the write, so the started tunnel is released.
	assert.Equal(t, 1, f.store.count())
	assert.Equal(t, StateIdle, f.c.State())
	assert.Equal(t, []Handle{"tun-1"}, f.session.stops())
	f.expectSignals(t, []string{"acquired:true", "connected:false"})
	f.expectStates(t, []string{"Idle>Acquiring", "Acquiring>Starting", "Starting>Stopping", "Stopping>Idle"})
}

func TestController_FetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stall(r)
	}))
	defer srv.Close()

	fetcher := newTestFetcher(FetcherOptions{
		ConnectTimeout: time.Second,
		ReadTimeout:    100 * time.Millisecond,
		Checker:        checkerFunc(online),
	})
	f := newFixture(t, fetcher, nil)

	require.NoError(t, f.c.Launch(context.Background(), RemoteURL(srv.URL)))
	f.waitIdle(t)

	f.expectSignals(t, []string{"acquired:false"})
	f.expectStates(t, []string{"Idle>Acquiring", "Acquiring>Failed", "Failed>Idle"})
	assert.Zero(t, f.store.count())
	assert.Zero(t, f.session.starts())

	fails := f.rec.failures()
	require.Len(t, fails, 1)
	assert.True(t, fails[0].Fatal)
	assert.ErrorIs(t, fails[0], common.ErrFetchTimeout)
}

func TestController_NoNetwork(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	fetcher := newTestFetcher(FetcherOptions{Checker: checkerFunc(offline)})
	f := newFixture(t, fetcher, nil)

	require.NoError(t, f.c.Launch(context.Background(), RemoteURL(srv.URL)))
	f.waitIdle(t)

	f.expectSignals(t, []string{"acquired:false"})
	f.expectStates(t, []string{"Idle>Acquiring", "Acquiring>Failed", "Failed>Idle"})
	assert.Zero(t, hits)

	st := f.c.Status()
	require.NotNil(t, st.LastFailure)
	assert.Equal(t, "No network connection", st.LastFailure.Message())
}

func TestController_ParseError(t *testing.T) {
	f := newFixture(t, nil, nil)

	require.NoError(t, f.c.Launch(context.Background(), InlineText("client\ndev tun\n")))
	f.waitIdle(t)

	f.expectSignals(t, []string{"acquired:false"})
	fails := f.rec.failures()
	require.Len(t, fails, 1)
	assert.ErrorIs(t, fails[0], common.ErrParse)
	assert.Equal(t, StateAcquiring, fails[0].Phase)
	assert.Zero(t, f.store.count())
}

func TestController_AuthFailed(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.session.autoState = events.StateAuthFailed

	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	f.waitIdle(t)

	f.expectSignals(t, []string{"acquired:true", "connected:false"})
	f.expectStates(t, []string{"Idle>Acquiring", "Acquiring>Starting", "Starting>Failed", "Failed>Idle"})
	require.Eventually(t, func() bool { return len(f.session.stops()) == 1 }, time.Second, 5*time.Millisecond)

	// No retry.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.session.starts())

	fails := f.rec.failures()
	require.Len(t, fails, 1)
	assert.ErrorIs(t, fails[0], common.ErrAuthFailed)
	assert.Equal(t, "Authentication failed", fails[0].Message())
}

func TestController_StartFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.session.startErr = common.Join(common.ErrEngineUnavailable, errors.New("not bound"))

	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	f.waitIdle(t)

	f.expectSignals(t, []string{"acquired:true", "connected:false"})
	fails := f.rec.failures()
	require.Len(t, fails, 1)
	assert.True(t, fails[0].Fatal)
	assert.Equal(t, StateStarting, fails[0].Phase)
	assert.ErrorIs(t, fails[0], common.ErrEngineUnavailable)

	// The profile was persisted before the engine was asked.
	assert.Equal(t, 1, f.store.count())
}

func TestController_PersistenceFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.saveErr = errors.New("disk full")
	f.session.autoState = events.StateConnected

	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	f.waitState(t, StateConnected)
	require.Eventually(t, func() bool { return len(f.rec.signals()) == 2 }, time.Second, 5*time.Millisecond)

	f.expectSignals(t, []string{"acquired:true", "connected:true"})
	fails := f.rec.failures()
	require.Len(t, fails, 1)
	assert.False(t, fails[0].Fatal)
	assert.ErrorIs(t, fails[0], common.ErrPersistence)
}

func TestController_ConnectTimeout(t *testing.T) {
	f := newFixture(t, nil, func(o *ControllerOptions) {
		o.ConnectTimeout = 100 * time.Millisecond
	})

	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	f.waitIdle(t)

	f.expectSignals(t, []string{"acquired:true", "connected:false"})
	fails := f.rec.failures()
	require.Len(t, fails, 1)
	assert.ErrorIs(t, fails[0], common.ErrConnectTimeout)
	require.Eventually(t, func() bool { return len(f.session.stops()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestController_EngineDisconnect(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(t)

	f.bus.PublishEvent(events.NewConnectionEvent("tun-1", events.StateExiting, "", events.LevelInfo))
	f.waitIdle(t)

	f.expectSignals(t, []string{"acquired:true", "connected:true", "connected:false"})
	assert.Empty(t, f.rec.failures())
	assert.Equal(t, "Connected>Stopping", f.rec.states()[3])
}

func TestController_IgnoresForeignEvents(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(t)

	f.bus.PublishEvent(events.NewConnectionEvent("other", events.StateExiting, "", events.LevelInfo))
	f.bus.PublishEvent(events.NewConnectionEvent("tun-1", "RECONNECTING", "ping-restart", events.LevelInfo))

	assert.Equal(t, StateConnected, f.c.State())
	assert.Equal(t, "RECONNECTING", f.c.Status().EngineState)
	assert.Len(t, f.rec.signals(), 2)
}

func TestController_ByteCounts(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(t)

	f.bus.PublishByteCount(events.ByteCount{In: 10, Out: 20, Session: "tun-1"})
	assert.Equal(t, int64(10), f.c.Status().Bytes.In)
	assert.Eventually(t, func() bool {
		for _, c := range f.rec.all() {
			if c == "bytes:10/20" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	f.c.RequestStop()
	f.bus.PublishByteCount(events.ByteCount{In: 99, Out: 99, Session: "tun-1"})
	assert.NotContains(t, f.rec.all(), "bytes:99/99")
}

func TestController_CancelLaunchContext(t *testing.T) {
	started := make(chan struct{})
	fetch := fetcherFunc(func(ctx context.Context, src ConfigSource) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	f := newFixture(t, fetch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.c.Launch(ctx, InlineText("x")))
	<-started
	cancel()

	f.waitIdle(t)
	assert.Empty(t, f.rec.signals())
	assert.Zero(t, f.store.count())
	assert.Zero(t, f.session.starts())
}

func TestController_RelaunchAfterFailure(t *testing.T) {
	f := newFixture(t, nil, nil)

	require.NoError(t, f.c.Launch(context.Background(), InlineText("garbage")))
	f.waitIdle(t)

	f.session.autoState = events.StateConnected
	require.NoError(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)))
	f.waitState(t, StateConnected)
	require.Eventually(t, func() bool { return len(f.rec.signals()) == 3 }, time.Second, 5*time.Millisecond)
	f.expectSignals(t, []string{"acquired:false", "acquired:true", "connected:true"})
	assert.Nil(t, f.c.Status().LastFailure)
}

func TestController_StopFromListener(t *testing.T) {
	f := newFixture(t, nil, nil)
	var c *Controller
	stopper := &ListenerFuncs{
		ConnectionStateChanged: func(connected bool) {
			if connected {
				c.RequestStop()
			}
		},
	}
	c = f.c
	c.Register(stopper)
	f.session.autoState = events.StateConnected

	require.NoError(t, c.Launch(context.Background(), InlineText(twelveLineConfig)))
	f.waitIdle(t)

	f.expectSignals(t, []string{"acquired:true", "connected:true", "connected:false"})
	f.expectStates(t, []string{"Idle>Acquiring", "Acquiring>Starting", "Starting>Connected", "Connected>Stopping", "Stopping>Idle"})
}

func TestController_Registration(t *testing.T) {
	f := newFixture(t, nil, nil)

	other := &recorder{}
	r1 := f.c.Register(other)
	r2 := f.c.Register(other)
	assert.Same(t, r1, r2)

	r1.Close()
	r1.Close()

	f.connect(t)
	assert.Empty(t, other.all())
}

func TestController_Close(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(t)

	f.c.Close()
	assert.Equal(t, StateIdle, f.c.State())
	assert.Equal(t, []Handle{"tun-1"}, f.session.stops())
	assert.ErrorIs(t, f.c.Launch(context.Background(), InlineText(twelveLineConfig)), ErrControllerClosed)
}
