// Package session owns the single connection to a transcription server. A
// Manager runs one event loop goroutine that holds all connection state;
// operations, dial results and inbound frames are posted to it as closures,
// so state is never touched from two goroutines at once.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voicelink/credential"
	"voicelink/log"
	"voicelink/observe"
	"voicelink/protocol"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	persistTimeout      = 10 * time.Second
	subscriberBuffer    = 64
)

// CredentialSaver records an endpoint/secret pair after it authenticated.
type CredentialSaver interface {
	Upsert(ctx context.Context, endpoint, secret string) (credential.Credential, error)
}

type Option func(*Manager)

func WithCredentials(c CredentialSaver) Option {
	return func(m *Manager) { m.creds = c }
}

// WithResumeStore enables the active-session record used by run --resume.
func WithResumeStore(b credential.BlobStore) Option {
	return func(m *Manager) { m.resume = b }
}

func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) {
		if met != nil {
			m.metrics = met
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

type Manager struct {
	dialer       Dialer
	creds        CredentialSaver
	resume       credential.BlobStore
	metrics      *observe.Metrics
	dialTimeout  time.Duration
	writeTimeout time.Duration

	inbox     chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	bg        sync.WaitGroup
	baseCtx   context.Context
	cancel    context.CancelFunc

	// liveGen mirrors gen for goroutines outside the loop.
	liveGen  atomic.Uint64
	resumeMu sync.Mutex

	// Loop-owned.
	status        Status
	endpoint      string
	secret        string
	conn          Conn
	gen           uint64
	cancelDial    context.CancelFunc
	dialStart     time.Time
	attemptOpen   bool
	machines      []protocol.Machine
	transcription string
	notice        *Error

	snapMu sync.RWMutex
	snap   Snapshot

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func New(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:       dialer,
		metrics:      observe.Noop(),
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		inbox:        make(chan func(), 64),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		subs:         make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.inbox <- func() { fn(); close(done) }:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn without waiting. It reports false once the manager is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// Close disconnects and stops the loop, waiting for close handshakes and
// credential writes until ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Disconnect(ctx)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.stopped

	waited := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		log.Warn("session: shutdown did not wait for pending writes")
	}
	m.cancel()
	return err
}

// Connect starts a connection attempt and returns once it is under way.
// The outcome arrives as a StatusChanged event (and a Notice on failure).
func (m *Manager) Connect(ctx context.Context, endpoint, secret string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || secret == "" {
		log.Warn("connect rejected: endpoint and secret are required")
		return validationError("Endpoint and secret are required")
	}
	return m.do(ctx, func() { m.startConnect(endpoint, secret) })
}

func (m *Manager) startConnect(endpoint, secret string) {
	if m.attemptOpen {
		m.resolveAttempt("superseded")
	}
	m.dropTransport(CloseNormal, "Superseded by new connection")
	m.machines = nil
	m.notice = nil
	m.endpoint, m.secret = endpoint, secret
	m.setStatus(Connecting, "connect", nil)
	log.SessionStart(endpoint, "websocket")

	gen := m.gen
	dialCtx, cancel := context.WithTimeout(m.baseCtx, m.dialTimeout)
	m.cancelDial = cancel
	m.dialStart = time.Now()
	m.attemptOpen = true

	go func() {
		conn, err := m.dialer.Dial(dialCtx, endpoint, secret)
		if !m.post(func() { m.onDialed(gen, conn, err) }) && conn != nil {
			conn.Close(CloseNormal, "Client shutting down")
		}
	}()
}

func (m *Manager) onDialed(gen uint64, conn Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			m.closeAsync(conn, CloseNormal, "Superseded by new connection")
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.resolveAttempt("transport_error")
		m.fail(&Error{Kind: ErrTransport, Code: CloseAbnormal, Message: CloseMessage(CloseAbnormal), Err: err})
		return
	}
	m.conn = conn
	log.Infof("transport open endpoint=%s, awaiting auth_response", m.endpoint)
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.Read(m.baseCtx)
		if err != nil {
			m.post(func() { m.onReadError(gen, err) })
			return
		}
		if !m.post(func() { m.onFrame(gen, data) }) {
			return
		}
	}
}

func (m *Manager) onReadError(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	conn := m.conn
	m.conn = nil
	if conn != nil {
		m.closeAsync(conn, CloseNormal, "")
	}

	var ce *CloseError
	if errors.As(err, &ce) {
		clean := ce.Code == CloseNormal
		log.TransportClosed(ce.Code, ce.Reason, clean)
		if clean {
			m.resolveAttempt("closed")
			m.dropTransport(CloseNormal, "")
			m.setStatus(Disconnected, "closed by server", nil)
			return
		}
		m.resolveAttempt("closed")
		m.fail(&Error{Kind: ErrTransport, Code: ce.Code, Message: CloseMessage(ce.Code), Err: err})
		return
	}

	if m.baseCtx.Err() != nil {
		return
	}
	// No close frame. 1006 is the code, but CloseMessage(1006) describes a
	// server that was never reached; this connection was up, so say it was lost.
	log.TransportClosed(CloseAbnormal, err.Error(), false)
	m.resolveAttempt("transport_error")
	m.fail(&Error{Kind: ErrTransport, Code: CloseAbnormal, Message: "Connection lost", Err: err})
}

func (m *Manager) onFrame(gen uint64, data []byte) {
	if gen != m.gen {
		return
	}
	ctx := m.baseCtx

	msg, err := protocol.Decode(data)
	if err != nil {
		log.Dropped("inbound", err.Error())
		m.metrics.RecordDropped(ctx, "malformed")
		return
	}
	m.metrics.RecordReceived(ctx, inboundType(msg))

	if _, isAuth := msg.(protocol.AuthResponse); !isAuth && m.status != Connected {
		log.Dropped(inboundType(msg), "unauthenticated")
		m.metrics.RecordDropped(ctx, "unauthenticated")
		return
	}

	switch msg := msg.(type) {
	case protocol.AuthResponse:
		m.onAuth(msg)
	case protocol.TranscribeResponse:
		m.transcription = msg.Message
		log.TranscriptionText(msg.Message)
		m.emit(TranscriptionReceived{Text: msg.Message})
		m.publish()
	case protocol.UpdateMachines:
		m.machines = msg.Machines
		m.emit(MachinesUpdated{Machines: cloneMachines(msg.Machines)})
		m.publish()
	case protocol.MachineConnectionStatus:
		m.onMachineStatus(msg)
	case protocol.Unknown:
		log.Dropped(msg.Type, "unknown_type")
		m.metrics.RecordDropped(ctx, "unknown_type")
	}
}

func (m *Manager) onAuth(msg protocol.AuthResponse) {
	if m.status != Connecting {
		log.Infof("ignoring auth_response status=%s while %s", msg.Status, m.status)
		return
	}
	log.Auth(m.endpoint, msg.Success(), msg.Status)

	if !msg.Success() {
		m.resolveAttempt("auth_failed")
		m.fail(&Error{
			Kind:    ErrAuthentication,
			Message: "Authentication failed",
			Err:     fmt.Errorf("server responded %q", msg.Status),
		})
		return
	}

	m.metrics.RecordHandshake(m.baseCtx, time.Since(m.dialStart))
	m.resolveAttempt("connected")
	m.setStatus(Connected, "authenticated", nil)
	m.persistAsync(m.gen, m.endpoint, m.secret)
}

func (m *Manager) onMachineStatus(msg protocol.MachineConnectionStatus) {
	idx := -1
	for i := range m.machines {
		if m.machines[i].Key == msg.Key {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.Infof("machine_connection_status for unknown key %q ignored", msg.Key)
		return
	}

	var next protocol.MachineState
	notice := ""
	switch {
	case msg.Status == "success" && msg.Action == "disconnect":
		next = protocol.MachineConnect
	case msg.Status == "success":
		// connect, or the older form that carried no action
		next = protocol.MachineDisconnect
	case msg.Status == "disconnected":
		next = protocol.MachineConnect
	case msg.Status == "busy":
		next = protocol.MachineBusy
		notice = "Machine is currently busy"
	case msg.Status == "error":
		notice = msg.Message
		if notice == "" {
			notice = "Machine command failed"
		}
		log.Warnf("machine %s: %s", msg.Key, notice)
		m.emit(MachineNotice{Key: msg.Key, Message: notice})
		return
	default:
		log.Dropped(protocol.TypeMachineConnectionStatus, "unknown status "+msg.Status)
		return
	}

	m.machines[idx].State = next
	m.emit(MachineUpdated{Machine: m.machines[idx]})
	if notice != "" {
		m.emit(MachineNotice{Key: msg.Key, Message: notice})
	}
	m.publish()
}

// persistAsync saves the credential and resume record without holding up the
// loop. It runs to completion even if the session is torn down meanwhile.
func (m *Manager) persistAsync(gen uint64, endpoint, secret string) {
	if m.creds == nil && m.resume == nil {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		var saved credential.Credential
		var err error
		if m.creds != nil {
			saved, err = m.creds.Upsert(ctx, endpoint, secret)
		}
		if err == nil && m.resume != nil {
			m.resumeMu.Lock()
			if m.liveGen.Load() == gen {
				err = saveResume(ctx, m.resume, ResumeRecord{Endpoint: endpoint, Secret: secret, SavedAt: time.Now()})
			}
			m.resumeMu.Unlock()
		}
		m.post(func() { m.onPersisted(saved, err) })
	}()
}

func (m *Manager) onPersisted(saved credential.Credential, err error) {
	if err != nil {
		e := &Error{Kind: ErrPersistence, Message: "Could not save credentials", Err: err}
		log.Errorf("persist credentials: %v", err)
		m.notice = e
		m.emit(Notice{Err: e})
		m.publish()
		return
	}
	if m.creds != nil {
		m.emit(CredentialSaved{Credential: saved})
	}
}

// Disconnect closes any transport with a normal closure and forgets the
// endpoint and secret. Saved credentials are kept. Safe to call repeatedly.
func (m *Manager) Disconnect(ctx context.Context) error {
	err := m.do(ctx, func() {
		if m.attemptOpen {
			m.resolveAttempt("cancelled")
		}
		m.dropTransport(CloseNormal, clientClosureReason)
		m.endpoint, m.secret = "", ""
		m.setStatus(Disconnected, "client disconnect", nil)
		m.publish()
	})
	if err != nil {
		return err
	}

	if m.resume == nil {
		return nil
	}
	m.resumeMu.Lock()
	defer m.resumeMu.Unlock()
	if err := deleteResume(ctx, m.resume); err != nil {
		log.Warnf("delete resume record: %v", err)
		return &Error{Kind: ErrPersistence, Message: "Could not clear session record", Err: err}
	}
	return nil
}

// dropTransport invalidates the current generation, cancels a pending dial
// and closes the open transport in the background.
func (m *Manager) dropTransport(code int, reason string) {
	m.gen++
	m.liveGen.Store(m.gen)
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		m.closeAsync(m.conn, code, reason)
		m.conn = nil
	}
}

func (m *Manager) closeAsync(conn Conn, code int, reason string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		conn.Close(code, reason)
	}()
}

func (m *Manager) fail(e *Error) {
	m.dropTransport(CloseNormal, e.Message)
	m.notice = e
	m.setStatus(Disconnected, e.Message, e)
	log.Errorf("session: %v", e)
	m.emit(Notice{Err: e})
	m.publish()
}

func (m *Manager) resolveAttempt(outcome string) {
	if !m.attemptOpen {
		return
	}
	m.attemptOpen = false
	m.metrics.RecordConnect(m.baseCtx, outcome)
}

func (m *Manager) setStatus(to Status, reason string, cause *Error) {
	from := m.status
	if from == to {
		return
	}
	m.status = to
	if to == Disconnected {
		m.machines = nil
	}
	if from == Connected {
		m.metrics.Connected.Add(m.baseCtx, -1)
	}
	if to == Connected {
		m.metrics.Connected.Add(m.baseCtx, 1)
	}
	log.StateChange(from.String(), to.String(), reason)
	m.publish()
	m.emit(StatusChanged{From: from, To: to, Endpoint: m.endpoint, Err: cause})
}

func (m *Manager) publish() {
	snap := Snapshot{
		Status:            m.status,
		Endpoint:          m.endpoint,
		Machines:          cloneMachines(m.machines),
		LastTranscription: m.transcription,
		Notice:            m.notice,
	}
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	snap := m.snap
	snap.Machines = cloneMachines(snap.Machines)
	return snap
}

func (m *Manager) Status() Status {
	return m.Snapshot().Status
}

// Subscribe returns a channel of events and a func that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) emit(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			log.Warnf("session: subscriber full, dropped %T", ev)
		}
	}
}

// Await blocks until the session reaches want. Waiting for Connected returns
// the surfaced error if the attempt ends in Disconnected instead.
func (m *Manager) Await(ctx context.Context, want Status) error {
	events, cancel := m.Subscribe()
	defer cancel()

	snap := m.Snapshot()
	if snap.Status == want {
		return nil
	}
	if want == Connected && snap.Status == Disconnected {
		if snap.Notice != nil {
			return snap.Notice
		}
		return ErrNotConnected
	}

	for {
		select {
		case ev := <-events:
			sc, ok := ev.(StatusChanged)
			if !ok {
				continue
			}
			if sc.To == want {
				return nil
			}
			if want == Connected && sc.To == Disconnected {
				if sc.Err != nil {
					return sc.Err
				}
				return ErrNotConnected
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func inboundType(msg protocol.Inbound) string {
	switch msg := msg.(type) {
	case protocol.AuthResponse:
		return protocol.TypeAuthResponse
	case protocol.TranscribeResponse:
		return protocol.TypeTranscribeResponse
	case protocol.UpdateMachines:
		return protocol.TypeUpdateMachines
	case protocol.MachineConnectionStatus:
		return protocol.TypeMachineConnectionStatus
	case protocol.Unknown:
		return msg.Type
	}
	return "unknown"
}

func cloneMachines(in []protocol.Machine) []protocol.Machine {
	if in == nil {
		return nil
	}
	out := make([]protocol.Machine, len(in))
	copy(out, in)
	return out
}
