package container

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/forgekit/forge/internal/guest"
)

// fakeAgent accepts connections, reads a single command frame per
// connection, and answers through handle.
func fakeAgent(t *testing.T, handle func(cmd *guest.Command) *guest.Result) (port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var cmd guest.Command
				if err := guest.ReadFrame(conn, &cmd); err != nil {
					return
				}
				_ = guest.WriteFrame(conn, handle(&cmd))
			}(conn)
		}
	}()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(portStr)
	return port, func() { ln.Close(); <-done }
}

func TestExecuteRoundTrip(t *testing.T) {
	port, stop := fakeAgent(t, func(cmd *guest.Command) *guest.Result {
		if cmd.Command != "'echo' 'hello'" {
			t.Errorf("command = %q", cmd.Command)
		}
		if string(cmd.Payload) != "stdin-bytes" {
			t.Errorf("payload = %q", cmd.Payload)
		}
		return &guest.Result{Success: true, Output: []byte("hello\n")}
	})
	defer stop()

	client := NewClient(port)
	res, err := client.Execute(context.Background(), guest.ShellJoin([]string{"echo", "hello"}), []byte("stdin-bytes"), 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || string(res.Output) != "hello\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteReportsNonZeroExitWithoutError(t *testing.T) {
	port, stop := fakeAgent(t, func(*guest.Command) *guest.Result {
		return &guest.Result{Success: false, Error: "exit status 3", ExitCode: 3}
	})
	defer stop()

	res, err := NewClient(port).Execute(context.Background(), "'false'", nil, time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.ExitCode != 3 {
		t.Errorf("result = %+v, want exit 3", res)
	}
}

func TestExecuteRetriesRefusedConnection(t *testing.T) {
	// Grab a port with no listener: every dial is refused and the client
	// should exhaust its attempts rather than hang.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	start := time.Now()
	_, err = NewClient(port).Execute(context.Background(), "'true'", nil, time.Second)
	if err == nil {
		t.Fatal("expected error dialing dead port")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("retries took %s, want bounded backoff", elapsed)
	}
}

func TestPingRejectsWrongEcho(t *testing.T) {
	port, stop := fakeAgent(t, func(*guest.Command) *guest.Result {
		return &guest.Result{Success: true, Output: []byte("not-the-nonce\n")}
	})
	defer stop()

	err := NewClient(port).Ping()
	if err == nil || !strings.Contains(err.Error(), "unexpected output") {
		t.Fatalf("err = %v, want unexpected-output", err)
	}
}

func TestPingAcceptsEchoedNonce(t *testing.T) {
	port, stop := fakeAgent(t, func(cmd *guest.Command) *guest.Result {
		nonce := strings.TrimPrefix(cmd.Command, "echo ")
		return &guest.Result{Success: true, Output: []byte(nonce + "\n")}
	})
	defer stop()

	if err := NewClient(port).Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
