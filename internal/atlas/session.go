package atlas

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// StateChange describes one lifecycle transition, delivered to the
// OnStateChange handler. Err is set on failure-driven transitions.
type StateChange struct {
	State             State
	Err               error
	ReconnectAttempts int
	At                time.Time
}

// Config holds per-session connection settings. Zero durations and counts
// take protocol defaults; tests shrink them instead of faking clocks.
type Config struct {
	Host         string
	ControlPort  int // TCP command channel, default 5321
	MeteringPort int // UDP telemetry channel, default 3131

	DialTimeout          time.Duration // default 5s
	CommandTimeout       time.Duration // default 5s
	KeepAliveInterval    time.Duration // default 4m, must undercut the device idle timeout
	ReconnectDelay       time.Duration // default 5s between attempts
	MaxReconnectAttempts int           // default 10
	MeterRingSize        int           // default 1000 per (category, index)
}

func (c Config) withDefaults() Config {
	if c.ControlPort == 0 {
		c.ControlPort = 5321
	}
	if c.MeteringPort == 0 {
		c.MeteringPort = 3131
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 4 * time.Minute
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.MeterRingSize == 0 {
		c.MeterRingSize = 1000
	}
	return c
}

// Session is one live control connection to a physical processor: the TCP
// command channel, the UDP metering channel, and the background loops that
// keep both alive. All exported methods are safe for concurrent use.
type Session struct {
	cfg    Config
	logger *slog.Logger

	// Injectable transports for tests.
	dial        func(ctx context.Context, addr string) (net.Conn, error)
	listenMeter func() (net.PacketConn, error)

	nextID atomic.Uint64

	// mu guards the lifecycle: state, sockets and the per-connection done
	// channel. Loops hold a snapshot of done so a stale loop from a previous
	// connection can never tear down its successor.
	mu                sync.Mutex
	state             State
	conn              net.Conn
	meterConn         net.PacketConn
	done              chan struct{}
	reconnectAttempts int
	closed            bool

	wg      sync.WaitGroup
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan *Message

	ringMu sync.Mutex
	rings  map[ringKey]*meterRing

	handlerMu   sync.RWMutex
	onPush      func(param string, v *Value)
	onMeter     func(MeterReading)
	onState     func(StateChange)
	onKeepAlive func(time.Time)
}

// NewSession creates a session in the Disconnected state. Nothing is dialed
// until Connect.
func NewSession(cfg Config, logger *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[uint64]chan *Message),
		rings:   make(map[ringKey]*meterRing),
	}
	s.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	s.listenMeter = func() (net.PacketConn, error) {
		return net.ListenPacket("udp", ":"+strconv.Itoa(cfg.MeteringPort))
	}
	return s
}

// --- Handler registration ---

// OnParameterPush registers the handler for unsolicited parameter changes.
func (s *Session) OnParameterPush(fn func(param string, v *Value)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onPush = fn
}

// OnMeterUpdate registers the handler for parsed telemetry samples.
func (s *Session) OnMeterUpdate(fn func(MeterReading)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onMeter = fn
}

// OnStateChange registers the handler for lifecycle transitions.
func (s *Session) OnStateChange(fn func(StateChange)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onState = fn
}

// OnKeepAlive registers the handler invoked after each keep-alive write.
func (s *Session) OnKeepAlive(fn func(time.Time)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onKeepAlive = fn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts returns the current reconnect attempt counter.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

func (s *Session) emitState(st State, err error) {
	s.mu.Lock()
	attempts := s.reconnectAttempts
	s.mu.Unlock()

	s.handlerMu.RLock()
	fn := s.onState
	s.handlerMu.RUnlock()
	if fn != nil {
		fn(StateChange{State: st, Err: err, ReconnectAttempts: attempts, At: time.Now()})
	}
}

// --- Connect / Disconnect ---

// Connect dials the control and metering channels and starts the background
// loops. It is the only path out of a terminal Disconnected state, including
// after the reconnect loop has given up.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed: %w", ErrDisconnected)
	}
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		if st == StateConnected {
			return nil
		}
		return fmt.Errorf("connect while %s: %w", st, ErrNotConnected)
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.emitState(StateConnecting, nil)

	if err := s.establish(ctx); err != nil {
		s.mu.Lock()
		// Only park in Disconnected if nothing else moved the state while
		// the dial was in flight (an explicit Disconnect already did).
		if s.state == StateConnecting {
			s.state = StateDisconnected
			s.mu.Unlock()
			s.emitState(StateDisconnected, err)
		} else {
			s.mu.Unlock()
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// establish performs the dial + socket setup and, on success, transitions to
// Connected, resets the attempt counter and starts the loops. Caller must
// have already moved the session into Connecting.
func (s *Session) establish(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.ControlPort))
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	meterConn, err := s.listenMeter()
	if err != nil {
		conn.Close()
		return fmt.Errorf("listen metering: %w", err)
	}

	s.mu.Lock()
	// The dial ran outside the lock; commit only if the session is still on
	// its way up. An explicit Disconnect or Close during the dial wins and
	// the late connection is thrown away.
	if s.closed || s.state != StateConnecting {
		st := s.state
		s.mu.Unlock()
		conn.Close()
		meterConn.Close()
		return fmt.Errorf("session %s during dial: %w", st, ErrDisconnected)
	}
	s.conn = conn
	s.meterConn = meterConn
	s.done = make(chan struct{})
	done := s.done
	s.reconnectAttempts = 0
	s.state = StateConnected
	s.mu.Unlock()

	s.wg.Add(3)
	go s.readLoop(conn, done)
	go s.keepAliveLoop(conn, done)
	go s.meterLoop(meterConn, done)

	s.logger.Info("session connected", "addr", addr, "metering_port", s.cfg.MeteringPort)
	s.emitState(StateConnected, nil)
	return nil
}

// teardownLocked closes the current connection epoch: sockets and the done
// channel. Caller holds mu. Loops observe the closed done channel and exit.
func (s *Session) teardownLocked() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.meterConn != nil {
		s.meterConn.Close()
		s.meterConn = nil
	}
}

// failPending closes every pending-command channel. Waiters observe the
// closed channel and report ErrDisconnected.
func (s *Session) failPending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

// Disconnect tears the session down deliberately: loops are cancelled, all
// pending commands fail with ErrDisconnected, sockets close. The session
// stays usable — a later Connect starts a fresh handshake.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed || s.state == StateDisconnected || s.state == StateDisconnecting {
		// A reconnect loop parked in Disconnected is already inert.
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting
	s.teardownLocked()
	s.mu.Unlock()

	s.emitState(StateDisconnecting, nil)
	s.failPending()
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	s.emitState(StateDisconnected, nil)
	s.logger.Info("session disconnected", "host", s.cfg.Host)
}

// Close disconnects and makes the session permanently unusable.
func (s *Session) Close() {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// --- Command channel ---

// Send issues one command and waits for the matched response. Commands are
// written in submission order but responses match by correlation id, so
// concurrent senders may complete out of order.
func (s *Session) Send(ctx context.Context, method Method, param string, value *Value) (*Message, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", st, ErrNotConnected)
	}
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	id := s.nextID.Add(1)
	msg := &Message{ID: &id, Method: method}
	if param != "" || value != nil {
		msg.Params = &Params{Param: param, Value: value}
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.writeFrame(conn, data); err != nil {
		go s.connectionLost(err, done)
		return nil, fmt.Errorf("write %s %s: %w", method, param, err)
	}
	s.logger.Debug("command sent", "id", id, "method", method, "param", param)

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s %s: %w", method, param, ErrDisconnected)
		}
		if resp.Error != "" {
			return resp, fmt.Errorf("device rejected %s %s: %s", method, param, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		s.logger.Warn("command timeout", "id", id, "method", method, "param", param)
		return nil, fmt.Errorf("%s %s after %s: %w", method, param, s.cfg.CommandTimeout, ErrCommandTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) writeFrame(conn net.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.CommandTimeout))
	_, err := conn.Write(data)
	return err
}

// --- Read loop ---

func (s *Session) readLoop(conn net.Conn, done chan struct{}) {
	defer s.wg.Done()

	var dec Decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				msg, derr := dec.Next()
				if derr != nil {
					s.logger.Warn("dropping malformed frame", "err", derr)
					continue
				}
				if msg == nil {
					break
				}
				s.dispatch(msg)
			}
		}
		if err != nil {
			select {
			case <-done:
				return
			default:
				s.connectionLost(err, done)
				return
			}
		}
	}
}

func (s *Session) dispatch(msg *Message) {
	if !msg.IsPush() {
		s.pendingMu.Lock()
		ch, ok := s.pending[*msg.ID]
		s.pendingMu.Unlock()
		if !ok {
			s.logger.Warn("orphaned response (too late)", "id", *msg.ID, "method", msg.Method)
			return
		}
		select {
		case ch <- msg:
		default:
		}
		return
	}

	// Unsolicited parameter change.
	if msg.Params == nil || msg.Params.Param == "" {
		s.logger.Warn("push without params", "method", msg.Method)
		return
	}
	s.handlerMu.RLock()
	fn := s.onPush
	s.handlerMu.RUnlock()
	if fn != nil {
		fn(msg.Params.Param, msg.Params.Value)
	}
}

// --- Keep-alive loop ---

// keepAliveLoop writes the reserved bump command on a fixed interval so the
// device never sees an idle control socket. The device acks at the socket
// level only, so the write is untracked. A write failure is a hard
// connection error.
func (s *Session) keepAliveLoop(conn net.Conn, done chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			id := s.nextID.Add(1)
			data, err := EncodeMessage(&Message{ID: &id, Method: MethodBump})
			if err != nil {
				s.logger.Error("encode keep-alive", "err", err)
				continue
			}
			if err := s.writeFrame(conn, data); err != nil {
				s.logger.Warn("keep-alive write failed", "err", err)
				s.connectionLost(err, done)
				return
			}
			s.logger.Debug("keep-alive sent", "id", id)
			s.handlerMu.RLock()
			fn := s.onKeepAlive
			s.handlerMu.RUnlock()
			if fn != nil {
				fn(time.Now())
			}
		}
	}
}

// --- Metering loop ---

// meterLoop reads telemetry datagrams until the epoch ends. Malformed
// datagrams are dropped without affecting connection health; UDP loss is
// expected and untracked.
func (s *Session) meterLoop(pc net.PacketConn, done chan struct{}) {
	defer s.wg.Done()

	buf := make([]byte, 8192)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-done:
			default:
				s.logger.Warn("metering read error", "err", err)
			}
			return
		}
		readings, err := ParseMeterDatagram(buf[:n], time.Now())
		if err != nil {
			s.logger.Warn("dropping malformed meter datagram", "err", err)
			continue
		}
		s.handlerMu.RLock()
		fn := s.onMeter
		s.handlerMu.RUnlock()
		for _, r := range readings {
			s.ringMu.Lock()
			key := ringKey{cat: r.Category, idx: r.Index}
			ring := s.rings[key]
			if ring == nil {
				ring = newMeterRing(s.cfg.MeterRingSize)
				s.rings[key] = ring
			}
			ring.push(r)
			s.ringMu.Unlock()
			if fn != nil {
				fn(r)
			}
		}
	}
}

// RecentMeterReadings returns the retained readings for one (category, index)
// key in chronological order, oldest first.
func (s *Session) RecentMeterReadings(cat MeterCategory, idx int) []MeterReading {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	ring := s.rings[ringKey{cat: cat, idx: idx}]
	if ring == nil {
		return nil
	}
	return ring.snapshot()
}

// --- Reconnection ---

// connectionLost handles an unexpected socket failure on the given epoch.
// Exactly one caller wins the Connected → Reconnecting transition; stale
// epochs and duplicate reporters are ignored.
func (s *Session) connectionLost(err error, done chan struct{}) {
	s.mu.Lock()
	if s.closed || s.state != StateConnected || s.done != done {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.teardownLocked()
	s.mu.Unlock()

	s.logger.Warn("connection lost", "host", s.cfg.Host, "err", err)
	s.failPending()
	s.emitState(StateReconnecting, err)
	go s.reconnectLoop()
}

// reconnectLoop retries until Connected, the attempt budget is spent, or the
// session leaves the Reconnecting state. Only one loop runs per session; it
// is spawned solely by the winning connectionLost call.
func (s *Session) reconnectLoop() {
	for {
		s.mu.Lock()
		if s.closed || s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		if s.reconnectAttempts >= s.cfg.MaxReconnectAttempts {
			s.state = StateDisconnected
			s.mu.Unlock()
			s.logger.Error("reconnect attempts exhausted", "host", s.cfg.Host, "max", s.cfg.MaxReconnectAttempts)
			s.emitState(StateDisconnected, ErrMaxReconnectAttempts)
			return
		}
		s.reconnectAttempts++
		attempt := s.reconnectAttempts
		s.mu.Unlock()

		time.Sleep(s.cfg.ReconnectDelay)

		s.mu.Lock()
		if s.closed || s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.state = StateConnecting
		s.mu.Unlock()
		s.emitState(StateConnecting, nil)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
		err := s.establish(ctx)
		cancel()
		if err == nil {
			s.logger.Info("reconnected", "host", s.cfg.Host, "attempt", attempt)
			return
		}

		s.mu.Lock()
		if s.state != StateConnecting {
			// Explicitly disconnected or closed while dialing; stop quietly.
			s.mu.Unlock()
			return
		}
		s.state = StateReconnecting
		s.mu.Unlock()
		s.logger.Warn("reconnect attempt failed", "host", s.cfg.Host, "attempt", attempt, "err", err)
		s.emitState(StateReconnecting, err)
	}
}
