package guest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Command{Command: "echo hello", Payload: []byte{0x00, 0xff, 0x10}}
	if err := WriteFrame(&buf, &in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var out Command
	if err := ReadFrame(&buf, &out); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Command != in.Command {
		t.Errorf("command = %q, want %q", out.Command, in.Command)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("payload = %v, want %v", out.Payload, in.Payload)
	}
}

func TestFrameLengthIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Result{Success: true}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	raw := buf.Bytes()
	n := binary.LittleEndian.Uint32(raw[:4])
	if int(n) != len(raw)-4 {
		t.Fatalf("length prefix = %d, want %d", n, len(raw)-4)
	}
	var r Result
	if err := json.Unmarshal(raw[4:], &r); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if !r.Success {
		t.Error("success not round-tripped")
	}
}

func TestPayloadIsBase64InJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Command{Command: "cat", Payload: []byte("hi")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	body := string(buf.Bytes()[4:])
	if !strings.Contains(body, `"payload":"aGk="`) {
		t.Errorf("payload not base64-encoded in %s", body)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], MaxFrameBytes+1)
	var out Result
	err := ReadFrame(bytes.NewReader(lenBuf[:]), &out)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("err = %v, want frame-too-large", err)
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Result{ExitCode: 7}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]
	var out Result
	if err := ReadFrame(bytes.NewReader(truncated), &out); err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestShellJoinQuotesArgumentsContainingSingleQuotes(t *testing.T) {
	got := ShellJoin([]string{"/bin/handler", "it's a test", "plain"})
	want := `'/bin/handler' 'it'\''s a test' 'plain'`
	if got != want {
		t.Errorf("ShellJoin = %q, want %q", got, want)
	}
}

func TestShellJoinEmptyArgv(t *testing.T) {
	if got := ShellJoin(nil); got != "" {
		t.Errorf("ShellJoin(nil) = %q, want empty string", got)
	}
}
