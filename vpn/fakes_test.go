package vpn

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/events"
)

// fakeEngine is an in-memory tunnel engine.
type fakeEngine struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	started  []*Profile
	stopped  []Handle
	done     chan struct{}
	gate     chan struct{} // when set, Start waits for it and ignores ctx
	closed   bool
	n        int
	name     string
}

func newFakeEngine(name string) *fakeEngine {
	return &fakeEngine{name: name, done: make(chan struct{})}
}

func (e *fakeEngine) Start(ctx context.Context, p *Profile) (Handle, error) {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return "", e.startErr
	}
	e.n++
	e.started = append(e.started, p)
	return Handle(fmt.Sprintf("%s-%d", e.name, e.n)), nil
}

func (e *fakeEngine) Stop(ctx context.Context, h Handle, replace bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, h)
	return e.stopErr
}

func (e *fakeEngine) Done() <-chan struct{} { return e.done }

func (e *fakeEngine) lose() { close(e.done) }

func (e *fakeEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) stops() []Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Handle(nil), e.stopped...)
}

// fakeDialer hands out engines in order, failing while err is set.
type fakeDialer struct {
	mu      sync.Mutex
	engines []*fakeEngine
	err     error
	dials   int
	gate    chan struct{} // when set, Dial waits for it
}

func (d *fakeDialer) Dial(ctx context.Context) (Engine, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.engines) == 0 {
		return nil, fmt.Errorf("no engine")
	}
	e := d.engines[0]
	if len(d.engines) > 1 {
		d.engines = d.engines[1:]
	}
	return e, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeSession is a TunnelSession that can announce engine states on a bus.
type fakeSession struct {
	bus *events.Bus

	mu        sync.Mutex
	startErr  error
	autoState string        // published after Start when set
	gate      chan struct{} // when set, Start waits for it
	started   []*Profile
	stopped   []Handle
	n         int
}

func (s *fakeSession) Start(ctx context.Context, p *Profile) (Handle, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.n++
	s.started = append(s.started, p)
	h := Handle(fmt.Sprintf("tun-%d", s.n))
	if s.autoState != "" {
		state := s.autoState
		go s.bus.PublishEvent(events.NewConnectionEvent(string(h), state, "", events.LevelInfo))
	}
	return h, nil
}

func (s *fakeSession) Stop(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, h)
	return nil
}

func (s *fakeSession) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func (s *fakeSession) stops() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handle(nil), s.stopped...)
}

// memStore is an in-memory ProfileStore.
type memStore struct {
	mu      sync.Mutex
	order   []string
	byName  map[string]*Profile
	saveErr error
	lists   int
	// When gate is set, Save signals entered and waits for gate.
	gate    chan struct{}
	entered chan struct{}
}

func newMemStore() *memStore {
	return &memStore{byName: map[string]*Profile{}}
}

func (m *memStore) Save(p *Profile) error {
	m.mu.Lock()
	gate, entered := m.gate, m.entered
	m.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.byName[p.Name]; !ok {
		m.order = append(m.order, p.Name)
	}
	m.byName[p.Name] = p.Clone()
	return nil
}

func (m *memStore) Load(name string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byName[name]
	if !ok {
		return nil, common.ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (m *memStore) List() ([]*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	out := make([]*Profile, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.byName[n].Clone())
	}
	return out, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// fetcherFunc adapts a function to ConfigFetcher.
type fetcherFunc func(ctx context.Context, src ConfigSource) (string, error)

func (f fetcherFunc) Fetch(ctx context.Context, src ConfigSource) (string, error) {
	return f(ctx, src)
}

// recorder logs every listener callback in delivery order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fails []Failure
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) OnProfileAcquired(ok bool) { r.add(fmt.Sprintf("acquired:%v", ok)) }

func (r *recorder) OnConnectionStateChanged(ok bool) { r.add(fmt.Sprintf("connected:%v", ok)) }

func (r *recorder) OnStateChanged(from, to State) { r.add(fmt.Sprintf("state:%s>%s", from, to)) }

func (r *recorder) OnByteCount(b events.ByteCount) { r.add(fmt.Sprintf("bytes:%d/%d", b.In, b.Out)) }

func (r *recorder) OnFailure(f Failure) {
	r.mu.Lock()
	r.fails = append(r.fails, f)
	r.mu.Unlock()
	r.add("failure:" + f.Message())
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// signals returns only the two core listener signals.
func (r *recorder) signals() []string {
	var out []string
	for _, c := range r.all() {
		if strings.HasPrefix(c, "acquired:") || strings.HasPrefix(c, "connected:") {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) states() []string {
	var out []string
	for _, c := range r.all() {
		if strings.HasPrefix(c, "state:") {
			out = append(out, strings.TrimPrefix(c, "state:"))
		}
	}
	return out
}

func (r *recorder) failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.fails...)
}
