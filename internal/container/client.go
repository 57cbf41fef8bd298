package container

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/forgekit/forge/internal/guest"
)

// Client drives the agent inside a container sandbox over its
// host-mapped TCP port. One Execute is one connection: dial, write a
// single command frame, read a single result frame, close. The agent
// never sees a second frame on the same connection, which keeps broken
// connections cheap to recover from.
type Client struct {
	port        int
	dialTimeout time.Duration
	attempts    int
}

// NewClient builds a client targeting the sandbox's mapped agent port.
func NewClient(port int) *Client {
	return &Client{port: port, dialTimeout: 5 * time.Second, attempts: 3}
}

func (c *Client) addr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.port)
}

func dialProbe(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Execute runs one command line against the sandbox's agent, delivering
// payload on its standard input. Dial and broken-connection failures
// retry up to the configured attempt count with a short backoff; a
// response that arrives, even one reporting a non-zero exit, is final.
func (c *Client) Execute(ctx context.Context, command string, payload []byte, timeout time.Duration) (*guest.Result, error) {
	cmd := &guest.Command{Command: command, Payload: payload}
	backoff := []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		res, err := c.once(ctx, cmd, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isBrokenConnErr(err) {
			return nil, err
		}
		if attempt < c.attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff[attempt%len(backoff)]):
			}
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, cmd *guest.Command, timeout time.Duration) (*guest.Result, error) {
	conn, err := net.DialTimeout("tcp", c.addr(), c.dialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout + 5*time.Second)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	if err := guest.WriteFrame(conn, cmd); err != nil {
		return nil, err
	}
	var res guest.Result
	if err := guest.ReadFrame(conn, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks the agent is alive and actually executing commands, used
// by the warm pool's Reset hook: it echoes a fresh nonce and requires
// the agent to return it verbatim.
func (c *Client) Ping() error {
	var nonceBytes [8]byte
	if _, err := rand.Read(nonceBytes[:]); err != nil {
		return err
	}
	nonce := hex.EncodeToString(nonceBytes[:])

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := c.Execute(ctx, "echo "+nonce, nil, 3*time.Second)
	if err != nil {
		return err
	}
	if !res.Success || strings.TrimSpace(string(res.Output)) != nonce {
		return fmt.Errorf("agent ping returned unexpected output: %q", res.Output)
	}
	return nil
}

func isBrokenConnErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "broken pipe")
}
