package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/berfenger/openevse-emulator/internal/rapi"
	"github.com/berfenger/openevse-emulator/internal/transport"
)

var ErrTimeout = errors.New("no reply before timeout")

type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// rapiClient sends one command at a time and waits for its $OK or $NK
// reply. Async notifications seen meanwhile are kept aside.
type rapiClient struct {
	conn     io.ReadWriter
	timeout  time.Duration
	checksum bool
	framer   transport.LineFramer
	async    []string
}

func newRAPIClient(conn io.ReadWriter, timeout time.Duration, checksum bool) *rapiClient {
	return &rapiClient{
		conn:     conn,
		timeout:  timeout,
		checksum: checksum,
	}
}

func (c *rapiClient) Send(command string) (string, error) {
	command = strings.TrimSpace(command)
	if !strings.HasPrefix(command, "$") {
		command = "$" + command
	}
	line := command
	if c.checksum {
		line = rapi.AppendChecksum(command)
	}
	if _, err := io.WriteString(c.conn, line+"\r"); err != nil {
		return "", fmt.Errorf("write %s: %w", command, err)
	}

	deadline := time.Now().Add(c.timeout)
	if ds, ok := c.conn.(deadlineSetter); ok {
		ds.SetReadDeadline(deadline)
	}
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := c.conn.Read(buf)
		for _, l := range c.framer.Feed(buf[:n]) {
			if isReply(l) {
				return l, nil
			}
			if l != line {
				c.async = append(c.async, l)
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			// serial read timeout
			time.Sleep(10 * time.Millisecond)
		case errors.Is(err, os.ErrDeadlineExceeded):
			return "", ErrTimeout
		default:
			return "", err
		}
	}
	return "", ErrTimeout
}

// Async returns and forgets the notifications received so far.
func (c *rapiClient) Async() []string {
	async := c.async
	c.async = nil
	return async
}

func isReply(line string) bool {
	return strings.HasPrefix(line, "$OK") || strings.HasPrefix(line, "$NK")
}
