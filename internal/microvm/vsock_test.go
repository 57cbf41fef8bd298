package microvm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgekit/forge/internal/guest"
)

// fakeVsockProxy listens on a Unix socket and mimics Firecracker's
// host-side vsock handshake: read "CONNECT <port>", answer "OK <port>",
// then hand the stream to the guest-agent handler.
func fakeVsockProxy(t *testing.T, handle func(cmd *guest.Command) *guest.Result) (path string, stop func()) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "v.sock")
	ln, err := net.Listen("unix", path)
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
				reader := bufio.NewReader(conn)
				line, err := reader.ReadString('\n')
				if err != nil || !strings.HasPrefix(line, "CONNECT") {
					return
				}
				fmt.Fprintf(conn, "OK %d\n", guest.DefaultPort)
				var cmd guest.Command
				if err := guest.ReadFrame(reader, &cmd); err != nil {
					return
				}
				_ = guest.WriteFrame(conn, handle(&cmd))
			}(conn)
		}
	}()
	return path, func() { ln.Close(); os.Remove(path); <-done }
}

func TestVsockExecuteRoundTrip(t *testing.T) {
	path, stop := fakeVsockProxy(t, func(cmd *guest.Command) *guest.Result {
		if cmd.Command != "'cat'" {
			t.Errorf("command = %q", cmd.Command)
		}
		return &guest.Result{Success: true, Output: cmd.Payload}
	})
	defer stop()

	c := newVsockClient(path)
	res, err := c.Execute(context.Background(), guest.ShellJoin([]string{"cat"}), []byte("through the guest"), time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Output) != "through the guest" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestVsockExecuteSurfacesExitCode(t *testing.T) {
	path, stop := fakeVsockProxy(t, func(*guest.Command) *guest.Result {
		return &guest.Result{Success: false, Error: "exit status 2", ExitCode: 2}
	})
	defer stop()

	res, err := newVsockClient(path).Execute(context.Background(), "'false'", nil, time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.ExitCode != 2 {
		t.Errorf("result = %+v, want exit 2", res)
	}
}

func TestVsockExecuteFailsWithoutSocket(t *testing.T) {
	c := newVsockClient(filepath.Join(t.TempDir(), "missing.sock"))
	c.dialTimeout = 200 * time.Millisecond
	if _, err := c.Execute(context.Background(), "'true'", nil, time.Second); err == nil {
		t.Fatal("expected error dialing missing socket")
	}
}

func TestVsockConnectRejectsRefusal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		reader.ReadString('\n')
		fmt.Fprint(conn, "FAILED\n")
	}()

	if _, err := dialVsock(path, time.Second); err == nil || !strings.Contains(err.Error(), "vsock connect failed") {
		t.Fatalf("err = %v, want handshake refusal", err)
	}
}

func TestVsockPingAcceptsEchoedNonce(t *testing.T) {
	path, stop := fakeVsockProxy(t, func(cmd *guest.Command) *guest.Result {
		nonce := strings.TrimPrefix(cmd.Command, "echo ")
		return &guest.Result{Success: true, Output: []byte(nonce + "\n")}
	})
	defer stop()

	if err := newVsockClient(path).Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
