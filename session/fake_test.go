package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"voicelink/credential"
	"voicelink/securestore"
)

const waitTimeout = 2 * time.Second

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	in      chan []byte
	readErr chan error
	done    chan struct{}

	mu          sync.Mutex
	writes      [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 32),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.done:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errFakeClosed
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errFakeClosed
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sent() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.writes))
	for _, w := range c.writes {
		var m map[string]any
		if err := json.Unmarshal(w, &m); err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- data
}

func (c *fakeConn) deliverRaw(data string) {
	c.in <- []byte(data)
}

type fakeDialer struct {
	mu     sync.Mutex
	err    error
	calls  []string
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(_ context.Context, endpoint, secret string) (Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, endpoint+"|"+secret)
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no dial")
		return nil
	}
}

type fakeCreds struct {
	mu      sync.Mutex
	err     error
	upserts []string
}

func (f *fakeCreds) Upsert(_ context.Context, endpoint, secret string) (credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, endpoint+"|"+secret)
	if f.err != nil {
		return credential.Credential{}, f.err
	}
	return credential.Credential{ID: "c1", Endpoint: endpoint, Secret: secret}, nil
}

func (f *fakeCreds) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (m *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, securestore.ErrNotFound
	}
	return v, nil
}

func (m *memBlobs) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return securestore.ErrNotFound
	}
	delete(m.data, key)
	return nil
}

func (m *memBlobs) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// waitEvent reads events until one of type T satisfies match.
func waitEvent[T Event](t *testing.T, events <-chan Event, match func(T) bool) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-events:
			if e, ok := ev.(T); ok && (match == nil || match(e)) {
				return e
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// noEvent asserts that no event of type T arrives within a short window.
func noEvent[T Event](t *testing.T, events <-chan Event) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if _, ok := ev.(T); ok {
				t.Fatalf("unexpected %T: %+v", ev, ev)
			}
		case <-deadline:
			return
		}
	}
}
