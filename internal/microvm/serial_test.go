package microvm

import (
	"strings"
	"testing"
)

func TestRandomMarkerIsUniquePerCall(t *testing.T) {
	a := randomMarker("START")
	b := randomMarker("START")
	if a == b {
		t.Error("expected two calls to produce distinct markers")
	}
	if !strings.HasPrefix(a, "<<<FAAS_START_") || !strings.HasSuffix(a, ">>>") {
		t.Errorf("marker %q does not match expected framing", a)
	}
}

// The transcript below stands in for what the serial character device
// returns: only what comes back framed between the start and end markers,
// and the exit code line after them, matters to the real fallback.
func TestSerialOutputParsingStopsAtEndMarkerAndReadsExitCode(t *testing.T) {
	start := "<<<FAAS_START_aaaa>>>"
	end := "<<<FAAS_END_bbbb>>>"
	transcript := start + "\nhello\nworld\n" + end + "\n7\n"

	output, exitCode := parseSerialTranscript(transcript, start, end)
	if output != "hello\nworld\n" {
		t.Errorf("output = %q, want %q", output, "hello\nworld\n")
	}
	if exitCode != 7 {
		t.Errorf("exitCode = %d, want 7", exitCode)
	}
}

// parseSerialTranscript mirrors the capture loop in serialTransport.run for
// a string already fully available, so the marker-handling logic can be
// exercised without opening a real character device.
func parseSerialTranscript(transcript, startMarker, endMarker string) (string, int) {
	var output strings.Builder
	capturing := false
	exitCode := 0
	lines := strings.SplitAfter(transcript, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == startMarker {
			capturing = true
			continue
		}
		if trimmed == endMarker {
			if i+1 < len(lines) {
				exitLine := strings.TrimSpace(lines[i+1])
				for _, r := range exitLine {
					if r < '0' || r > '9' {
						exitLine = ""
						break
					}
				}
				if exitLine != "" {
					for _, r := range exitLine {
						exitCode = exitCode*10 + int(r-'0')
					}
				}
			}
			break
		}
		if capturing {
			output.WriteString(line)
		}
	}
	return output.String(), exitCode
}
