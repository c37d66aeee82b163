package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berfenger/openevse-emulator/internal/util"
	"go.uber.org/zap"
)

const maxReconnectBackoff = 30 * time.Second

type TCPConfig struct {
	Host string
	Port int
	// ReconnectTimeout bounds the time spent without a client. Zero waits
	// forever.
	ReconnectTimeout time.Duration
	// ReconnectBackoff is the first pause after a client leaves. It doubles
	// on every further disconnect up to 30s.
	ReconnectBackoff time.Duration
}

// TCPTransport serves a single client at a time over TCP.
type TCPTransport struct {
	cfg    TCPConfig
	logger *zap.Logger

	listener net.Listener

	mu     sync.Mutex
	client net.Conn

	running    atomic.Bool
	terminated atomic.Bool
	stop       chan struct{}
	done       chan struct{}

	// pause sleeps between accepts, false when stopped meanwhile
	pause func(time.Duration) bool
}

func NewTCP(cfg TCPConfig, logger *zap.Logger) (*TCPTransport, error) {
	if cfg.ReconnectTimeout < 0 {
		return nil, fmt.Errorf("reconnect timeout must be >= 0, got %s", cfg.ReconnectTimeout)
	}
	if cfg.ReconnectBackoff < 0 {
		return nil, fmt.Errorf("reconnect backoff must be >= 0, got %s", cfg.ReconnectBackoff)
	}
	t := &TCPTransport{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "tcp")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.pause = t.sleep
	return t, nil
}

func (t *TCPTransport) Start(handler LineHandler) error {
	if t.terminated.Load() {
		return ErrClosed
	}
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("tcp transport already started")
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.running.Store(false)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	t.listener = listener
	go t.acceptLoop(handler)

	t.logger.Info("virtual serial port listening", zap.String("address", listener.Addr().String()))
	return nil
}

func (t *TCPTransport) acceptLoop(handler LineHandler) {
	defer close(t.done)
	defer t.listener.Close()

	backoff := reconnectBackoff{seed: t.cfg.ReconnectBackoff}
	backoff.reset()
	// the timeout counts from the end of the last connection, or from Start
	idleSince := time.Now()
	for t.running.Load() {
		if t.cfg.ReconnectTimeout > 0 {
			deadline := idleSince.Add(t.cfg.ReconnectTimeout)
			if !time.Now().Before(deadline) {
				t.logger.Warn("no client reconnected in time, closing transport", zap.Duration("timeout", t.cfg.ReconnectTimeout))
				t.terminated.Store(true)
				return
			}
			if tl, ok := t.listener.(*net.TCPListener); ok {
				tl.SetDeadline(deadline)
			}
		}

		conn, err := t.listener.Accept()
		if err != nil {
			if !t.running.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.logger.Error("accept failed", zap.Error(err))
			if !t.pause(backoff.next()) {
				return
			}
			continue
		}

		backoff.reset()
		t.serve(conn, handler)
		idleSince = time.Now()

		if !t.pause(backoff.next()) {
			return
		}
	}
}

func (t *TCPTransport) serve(conn net.Conn, handler LineHandler) {
	t.logger.Info("client connected", zap.Stringer("remote", conn.RemoteAddr()))
	t.mu.Lock()
	t.client = conn
	t.mu.Unlock()

	err := serveLines(conn, func(data []byte) error {
		_, werr := conn.Write(data)
		return werr
	}, handler, t.logger)

	t.mu.Lock()
	t.client = nil
	t.mu.Unlock()
	conn.Close()
	if t.running.Load() {
		t.logger.Info("client disconnected", zap.Error(err))
	}
}

// sleep pauses for d and reports false if the transport was stopped
// meanwhile.
func (t *TCPTransport) sleep(d time.Duration) bool {
	if d <= 0 {
		return t.running.Load()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.stop:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	return min(2*d, maxReconnectBackoff)
}

// reconnectBackoff hands out the pause before the next accept. It doubles
// on every call and goes back to the seed once a client connects.
type reconnectBackoff struct {
	seed    time.Duration
	current time.Duration
}

func (b *reconnectBackoff) next() time.Duration {
	d := b.current
	b.current = nextBackoff(b.current)
	return d
}

func (b *reconnectBackoff) reset() {
	b.current = b.seed
}

func (t *TCPTransport) Write(data []byte) error {
	if t.terminated.Load() || !t.running.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return ErrNotConnected
	}
	if _, err := t.client.Write(data); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

func (t *TCPTransport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stop)
	errs := []error{}
	if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	t.mu.Lock()
	if t.client != nil {
		t.client.Close()
	}
	t.mu.Unlock()
	if err := util.AwaitTimeout(t.done, stopTimeout); err != nil {
		errs = append(errs, fmt.Errorf("tcp accept loop did not stop: %w", err))
	}
	return errors.Join(errs...)
}

// Done is closed once the accept loop has ended, either by Stop or because
// the reconnect timeout expired.
func (t *TCPTransport) Done() <-chan struct{} {
	return t.done
}

// Terminated reports whether the reconnect timeout closed the transport.
func (t *TCPTransport) Terminated() bool {
	return t.terminated.Load()
}

// Addr returns the listening address, nil before Start.
func (t *TCPTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPTransport) Info() string {
	port := t.cfg.Port
	if addr, ok := t.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return fmt.Sprintf("TCP: localhost:%d", port)
}
