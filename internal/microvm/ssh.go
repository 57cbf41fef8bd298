package microvm

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/forgekit/forge/internal/guest"
)

// sshTransport is the guest-communication fallback used when the vsock
// proxy socket cannot be dialed (e.g. the agent inside the guest crashed
// before the vsock listener came up, but sshd did). It runs the handler
// binary directly over an SSH session rather than speaking the agent's
// length-prefixed JSON protocol: stdout and stderr are captured as the
// session's separate streams, and the exit code comes from the session's
// exit status.
type sshTransport struct {
	addr        string
	user        string
	keyPath     string
	dialTimeout time.Duration
}

func newSSHTransport(guestIP string, port int, user, keyPath string) *sshTransport {
	return &sshTransport{
		addr:        fmt.Sprintf("%s:%d", guestIP, port),
		user:        user,
		keyPath:     keyPath,
		dialTimeout: 5 * time.Second,
	}
}

func (t *sshTransport) dial() (*ssh.Client, error) {
	var authMethods []ssh.AuthMethod
	if t.keyPath != "" {
		keyBytes, err := os.ReadFile(t.keyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	cfg := &ssh.ClientConfig{
		User:            t.user,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.dialTimeout,
	}

	conn, err := net.DialTimeout("tcp", t.addr, t.dialTimeout)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// run executes argv as a single shell command line and returns captured
// stdout, stderr, and the remote process's exit code.
func (t *sshTransport) run(argv []string, input []byte, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error) {
	client, err := t.dial()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("ssh dial: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	if len(input) > 0 {
		session.Stdin = bytes.NewReader(input)
	}

	command := guest.ShellJoin(argv)

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case runErr := <-done:
		if runErr == nil {
			return outBuf.Bytes(), errBuf.Bytes(), 0, nil
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
		}
		return outBuf.Bytes(), errBuf.Bytes(), -1, runErr
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return outBuf.Bytes(), errBuf.Bytes(), -1, fmt.Errorf("ssh command timed out after %s", timeout)
	}
}
