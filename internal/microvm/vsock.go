package microvm

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/forgekit/forge/internal/guest"
)

// vsockClient is the primary guest transport: it dials the Firecracker
// host-side vsock proxy over a Unix domain socket and performs the
// "CONNECT <port>" handshake Firecracker expects before the connection is
// handed off to the guest listener on that port. This is distinct from a
// raw AF_VSOCK socket — Firecracker itself only ever exposes vsock to the
// host as a UDS with this text handshake. Once connected, the framing is
// the same command/result contract the Container Engine speaks over TCP.
type vsockClient struct {
	vsockPath   string
	dialTimeout time.Duration
	attempts    int
}

func newVsockClient(vsockPath string) *vsockClient {
	return &vsockClient{vsockPath: vsockPath, dialTimeout: 5 * time.Second, attempts: 3}
}

func dialVsock(vsockPath string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("unix", vsockPath)
	if err != nil {
		return nil, err
	}
	if err := sendVsockConnect(conn, guest.DefaultPort, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func sendVsockConnect(conn net.Conn, port int, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return err
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "OK") {
		return fmt.Errorf("vsock connect failed: %s", strings.TrimSpace(line))
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return nil
}

// Execute runs one command line against the guest agent, delivering
// payload on its standard input. Like the container transport, one
// Execute is one connection; dial and broken-connection failures retry
// with a short backoff, a delivered result is final.
func (c *vsockClient) Execute(ctx context.Context, command string, payload []byte, timeout time.Duration) (*guest.Result, error) {
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

func (c *vsockClient) once(ctx context.Context, cmd *guest.Command, timeout time.Duration) (*guest.Result, error) {
	conn, err := dialVsock(c.vsockPath, c.dialTimeout)
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

// Ping checks the guest agent is alive and executing commands: it echoes
// a fresh nonce and requires the agent to return it verbatim. Used by the
// warm pool's Reset hook.
func (c *vsockClient) Ping() error {
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
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOTCONN)
}
