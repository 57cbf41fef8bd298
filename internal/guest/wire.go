// Package guest defines the wire contract between the host executor and
// the agent running inside a sandbox. Both sandbox backends speak it:
// the Container Engine over a host-mapped TCP port, the MicroVM Engine
// over the Firecracker vsock socket. A frame is an unsigned 32-bit
// little-endian length followed by that many bytes of UTF-8 JSON; byte
// fields travel base64-encoded inside the JSON, which encoding/json
// does for []byte without any help.
package guest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// DefaultPort is the well-known port the agent listens on, on the guest
// side of the host/guest socket.
const DefaultPort = 5555

// MaxFrameBytes caps a single frame in either direction. The agent is
// not a trusted peer even behind isolation: a length prefix larger than
// this is rejected before any allocation happens.
const MaxFrameBytes = 32 << 20

// Command asks the agent to run one command line. Payload, if present,
// is delivered on the command's standard input.
type Command struct {
	Command string `json:"command"`
	Payload []byte `json:"payload,omitempty"`
}

// Result is the agent's reply. On Success, Output carries the command's
// standard output. On failure, Error describes what went wrong and
// Output may still carry partial output.
type Result struct {
	Success  bool   `json:"success"`
	Output   []byte `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int32  `json:"exit_code"`
}

// WriteFrame marshals v and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("guest: frame too large: %d bytes", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame and unmarshals it into v,
// rejecting frames larger than MaxFrameBytes before allocating.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return fmt.Errorf("guest: frame too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ShellJoin renders argv as a single shell command line, single-quoting
// every argument so the agent can hand it to `sh -c` verbatim.
func ShellJoin(argv []string) string {
	var buf strings.Builder
	for i, a := range argv {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteByte('\'')
		for _, r := range a {
			if r == '\'' {
				buf.WriteString(`'\''`)
			} else {
				buf.WriteRune(r)
			}
		}
		buf.WriteByte('\'')
	}
	return buf.String()
}
