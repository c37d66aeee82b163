package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func echoHandler(line string) string {
	return "<" + line + ">\r"
}

func TestLineFramer(t *testing.T) {
	assert := assert.New(t)

	var f LineFramer
	assert.Empty(f.Feed([]byte("$G")))
	assert.Equal(2, f.Pending())
	assert.Equal([]string{"$GS"}, f.Feed([]byte("S\r")))
	assert.Equal([]string{"$GV", "$GG"}, f.Feed([]byte("$GV\r\n$GG\n")))
	assert.Equal([]string{"$FP 0 0 a\xfeb"}, f.Feed([]byte("\r\r$FP 0 0 a\xfeb\r$SC")))
	assert.Equal(3, f.Pending())
	assert.Equal([]string{"$SC   "}, f.Feed([]byte("   \r")))
	assert.Equal(0, f.Pending())
	assert.Empty(f.Feed([]byte("   \r\n\t\r")), "blank lines are dropped")
}

func TestLineFramerDropsUnterminatedFlood(t *testing.T) {
	var f LineFramer
	f.Feed([]byte(strings.Repeat("x", maxPendingBytes+1)))
	assert.Equal(t, 0, f.Pending())
	assert.Equal(t, maxPendingBytes+1, f.Discarded())
	assert.Equal(t, []string{"$GS"}, f.Feed([]byte("$GS\r")))
}

func TestServeLinesWarnsOnDiscardedInput(t *testing.T) {
	assert := assert.New(t)

	core, logs := observer.New(zap.WarnLevel)
	input := strings.NewReader(strings.Repeat("x", 2*maxPendingBytes) + "\r$GS\r")
	var written []string
	err := serveLines(input, func(data []byte) error {
		written = append(written, string(data))
		return nil
	}, echoHandler, zap.New(core))

	assert.ErrorIs(err, io.EOF)
	assert.Equal(1, logs.FilterMessage("discarding unterminated input").Len())
	if assert.NotEmpty(written) {
		assert.Equal("<$GS>\r", written[len(written)-1])
	}
}

func newTestTCP(t *testing.T, cfg TCPConfig) *TCPTransport {
	t.Helper()
	cfg.Host = "127.0.0.1"
	tr, err := NewTCP(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tr.Start(echoHandler))
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func roundTrip(t *testing.T, addr net.Addr, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Write([]byte(line))
	require.NoError(t, err)
	resp, err := bufio.NewReader(conn).ReadString('\r')
	require.NoError(t, err)
	return resp
}

func TestNewTCPRejectsNegativeSettings(t *testing.T) {
	_, err := NewTCP(TCPConfig{ReconnectTimeout: -time.Second}, zap.NewNop())
	assert.Error(t, err)
	_, err = NewTCP(TCPConfig{ReconnectBackoff: -time.Millisecond}, zap.NewNop())
	assert.Error(t, err)
}

func TestTCPReconnectWithoutTimeout(t *testing.T) {
	tr := newTestTCP(t, TCPConfig{ReconnectBackoff: time.Millisecond})

	for i := 0; i < 5; i++ {
		assert.Equal(t, "<$GS>\r", roundTrip(t, tr.Addr(), "$GS\r"))
	}
	assert.False(t, tr.Terminated())
	assert.Equal(t, "<$GV>\r", roundTrip(t, tr.Addr(), "$GV\n"))
}

func TestTCPWriteWithoutClient(t *testing.T) {
	tr := newTestTCP(t, TCPConfig{})
	assert.ErrorIs(t, tr.Write([]byte("$AT\r")), ErrNotConnected)
	assert.Contains(t, tr.Info(), "TCP: localhost:")
}

func TestTCPAsyncWrite(t *testing.T) {
	tr := newTestTCP(t, TCPConfig{})

	conn, err := net.DialTimeout("tcp", tr.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	require.Eventually(t, func() bool {
		return tr.Write([]byte("$AB 00 8.2.1\r")) == nil
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := bufio.NewReader(conn).ReadString('\r')
	require.NoError(t, err)
	assert.Equal(t, "$AB 00 8.2.1\r", resp)
}

func TestTCPReconnectTimeoutClosesTransport(t *testing.T) {
	tr := newTestTCP(t, TCPConfig{ReconnectTimeout: 50 * time.Millisecond})

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop still running")
	}
	assert.True(t, tr.Terminated())
	assert.ErrorIs(t, tr.Write([]byte("x")), ErrClosed)
	assert.ErrorIs(t, tr.Start(echoHandler), ErrClosed)
}

func TestTCPStop(t *testing.T) {
	tr, err := NewTCP(TCPConfig{Host: "127.0.0.1"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tr.Start(echoHandler))

	conn, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, tr.Stop())
	<-tr.Done()
	assert.ErrorIs(t, tr.Write([]byte("x")), ErrClosed)
	assert.NoError(t, tr.Stop())
}

func TestNextBackoff(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(2*time.Second, nextBackoff(time.Second))
	assert.Equal(maxReconnectBackoff, nextBackoff(20*time.Second))
	assert.Equal(time.Duration(0), nextBackoff(0))
}

// scriptedListener fails the first accepts, then hands out queued conns.
type scriptedListener struct {
	failures int
	conns    chan net.Conn
	closed   chan struct{}
	once     sync.Once
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("accept: too many open files")
	}
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *scriptedListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *scriptedListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestTCPAcceptLoopBackoff(t *testing.T) {
	tr, err := NewTCP(TCPConfig{ReconnectBackoff: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	var pauses []time.Duration
	tr.pause = func(d time.Duration) bool {
		mu.Lock()
		defer mu.Unlock()
		pauses = append(pauses, d)
		return true
	}
	recorded := func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), pauses...)
	}

	listener := &scriptedListener{failures: 3, conns: make(chan net.Conn, 1), closed: make(chan struct{})}
	tr.listener = listener
	tr.running.Store(true)
	go tr.acceptLoop(echoHandler)

	server, client := net.Pipe()
	listener.conns <- server
	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = client.Write([]byte("$GS\r"))
	require.NoError(t, err)
	resp, err := bufio.NewReader(client).ReadString('\r')
	require.NoError(t, err)
	assert.Equal(t, "<$GS>\r", resp)
	client.Close()

	require.Eventually(t, func() bool { return len(recorded()) == 4 }, 2*time.Second, 5*time.Millisecond)
	// doubled across failed accepts, back to the seed after a client was served
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 10 * time.Millisecond,
	}, recorded())

	require.NoError(t, tr.Stop())
	assert.False(t, tr.Terminated())
}

func TestPTYRoundTrip(t *testing.T) {
	link := filepath.Join(t.TempDir(), "ttyEVSE")
	tr := NewPTY(link, zap.NewNop())
	if err := tr.Start(echoHandler); err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer tr.Stop()

	assert.True(t, strings.HasPrefix(tr.Info(), "PTY: /dev/"))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, tr.DevicePath(), target)

	dev, err := os.OpenFile(link, os.O_RDWR, 0)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.Write([]byte("$FP 0 0 a\xfeb\r"))
	require.NoError(t, err)
	resp, err := bufio.NewReader(dev).ReadString('\r')
	require.NoError(t, err)
	assert.Equal(t, "<$FP 0 0 a\xfeb>\r", resp)

	require.NoError(t, tr.Stop())
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err))
}

func TestReplaceSymlinkKeepsRegularFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regular")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.Error(t, replaceSymlink("/dev/null", path))
}
