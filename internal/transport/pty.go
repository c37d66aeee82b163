package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/berfenger/openevse-emulator/internal/util"
	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// PTYTransport exposes the emulator on a pseudo terminal. The slave side is
// put in raw mode so every byte value passes through untouched.
type PTYTransport struct {
	linkPath string
	logger   *zap.Logger

	mu     sync.Mutex
	master *os.File
	slave  *os.File

	running atomic.Bool
	done    chan struct{}
}

// NewPTY creates a PTY transport. If linkPath is set a symlink pointing to
// the slave device is maintained there while the transport runs.
func NewPTY(linkPath string, logger *zap.Logger) *PTYTransport {
	return &PTYTransport{
		linkPath: linkPath,
		logger:   logger.With(zap.String("component", "pty")),
	}
}

func (t *PTYTransport) Start(handler LineHandler) error {
	if t.running.Load() {
		return errors.New("pty transport already started")
	}
	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return fmt.Errorf("set pty raw mode: %w", err)
	}
	if master, err = pollable(master); err != nil {
		slave.Close()
		return err
	}
	if t.linkPath != "" {
		if err := replaceSymlink(slave.Name(), t.linkPath); err != nil {
			master.Close()
			slave.Close()
			return err
		}
	}

	t.mu.Lock()
	t.master = master
	t.slave = slave
	t.mu.Unlock()

	t.done = make(chan struct{})
	t.running.Store(true)
	go t.readLoop(master, handler)

	t.logger.Info("virtual serial port created", zap.String("device", slave.Name()), zap.String("link", t.linkPath))
	return nil
}

func (t *PTYTransport) readLoop(master *os.File, handler LineHandler) {
	defer close(t.done)
	err := serveLines(master, t.Write, handler, t.logger)
	if err != nil && t.running.Load() {
		t.logger.Error("pty read loop stopped", zap.Error(err))
	}
}

func (t *PTYTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.master == nil {
		return ErrClosed
	}
	if _, err := t.master.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

func (t *PTYTransport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	t.mu.Lock()
	errs := []error{t.master.Close(), t.slave.Close()}
	t.master = nil
	t.slave = nil
	t.mu.Unlock()

	if t.linkPath != "" {
		if err := os.Remove(t.linkPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := util.AwaitTimeout(t.done, stopTimeout); err != nil {
		errs = append(errs, fmt.Errorf("pty read loop did not stop: %w", err))
	}
	return errors.Join(errs...)
}

// pollable reopens f on a non-blocking duplicate of its descriptor so that
// the runtime poller owns it and Close interrupts a pending Read. f is closed.
func pollable(f *os.File) (*os.File, error) {
	defer f.Close()
	fd, err := syscall.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup pty master: %w", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set pty master non-blocking: %w", err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

// DevicePath returns the slave device name, empty when stopped.
func (t *PTYTransport) DevicePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slave == nil {
		return ""
	}
	return t.slave.Name()
}

func (t *PTYTransport) Info() string {
	if name := t.DevicePath(); name != "" {
		return "PTY: " + name
	}
	return "Not started"
}

// replaceSymlink points link at target. An existing symlink is replaced,
// any other file at that path is left alone and reported.
func replaceSymlink(target, link string) error {
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("pty link %s exists and is not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("remove stale pty link: %w", err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("create pty link: %w", err)
	}
	return nil
}
