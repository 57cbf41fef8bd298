package microvm

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// serialTransport is the last-resort guest-communication fallback, used
// when neither vsock nor SSH is reachable. It drives the VM's serial
// console device directly: command and payload are framed between two
// randomly generated markers so the reader can tell captured handler
// output apart from boot chatter and shell echo already in the stream.
type serialTransport struct {
	devicePath string
	timeout    time.Duration
}

func newSerialTransport(devicePath string, timeout time.Duration) *serialTransport {
	return &serialTransport{devicePath: devicePath, timeout: timeout}
}

// setRaw puts the serial device into raw mode (no canonical line editing,
// no echo, no signal generation) at 115200 baud, matching how a physical
// console would be configured for machine-to-machine framing.
func setRaw(fd int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG
	termios.Iflag &^= unix.IXON | unix.ICRNL
	termios.Oflag &^= unix.OPOST
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	termios.Cflag |= unix.CS8
	termios.Cflag |= unix.CREAD | unix.CLOCAL
	termios.Ispeed = unix.B115200
	termios.Ospeed = unix.B115200

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func randomMarker(prefix string) string {
	return fmt.Sprintf("<<<FAAS_%s_%s>>>", prefix, uuid.NewString())
}

// run opens the device, sends the command line through a shell with the
// base64-encoded payload piped into its standard input, and captures everything written between the start and
// end markers along with the trailing exit code line.
func (t *serialTransport) run(command string, payload []byte) ([]byte, int, error) {
	device, err := os.OpenFile(t.devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("open serial device %s: %w", t.devicePath, err)
	}
	defer device.Close()

	_ = setRaw(int(device.Fd()))

	startMarker := randomMarker("START")
	endMarker := randomMarker("END")

	var fullCommand string
	if len(payload) > 0 {
		fullCommand = fmt.Sprintf("echo '%s'; echo '%s' | %s 2>&1; EXIT_CODE=$?; echo '%s'; echo $EXIT_CODE\n",
			startMarker, base64.StdEncoding.EncodeToString(payload), command, endMarker)
	} else {
		fullCommand = fmt.Sprintf("echo '%s'; %s 2>&1; EXIT_CODE=$?; echo '%s'; echo $EXIT_CODE\n",
			startMarker, command, endMarker)
	}

	if _, err := device.WriteString(fullCommand); err != nil {
		return nil, -1, fmt.Errorf("write command: %w", err)
	}

	type result struct {
		output   []byte
		exitCode int
		err      error
	}
	done := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(device)
		var output []byte
		capturing := false
		exitCode := 0

		for {
			line, err := reader.ReadString('\n')
			trimmed := strings.TrimSpace(line)

			if trimmed == startMarker {
				capturing = true
				if err != nil {
					break
				}
				continue
			}
			if trimmed == endMarker {
				exitLine, _ := reader.ReadString('\n')
				exitCode, _ = strconv.Atoi(strings.TrimSpace(exitLine))
				break
			}
			if capturing && line != "" {
				output = append(output, line...)
			}
			if err != nil {
				break
			}
		}
		done <- result{output: output, exitCode: exitCode}
	}()

	select {
	case r := <-done:
		return r.output, r.exitCode, r.err
	case <-time.After(t.timeout):
		return nil, -1, fmt.Errorf("serial console command timed out after %s", t.timeout)
	}
}

// sendInput writes raw bytes to the device without the marker framing,
// used for interactive debugging rather than request execution.
func (t *serialTransport) sendInput(data []byte) error {
	device, err := os.OpenFile(t.devicePath, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer device.Close()
	_, err = device.Write(data)
	return err
}
