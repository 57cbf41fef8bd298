//go:build linux

package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// criuDump invokes `criu dump` against pid, writing its image files into
// imagesDir. --shell-job and --tcp-established cover how container
// init processes actually run here: interactive process trees with
// long-lived TCP connections to the agent.
func criuDump(pid uint32, imagesDir string) error {
	if _, err := exec.LookPath("criu"); err != nil {
		return fmt.Errorf("criu binary not found in PATH: %w", err)
	}
	cmd := exec.Command("criu", "dump",
		"-t", strconv.FormatUint(uint64(pid), 10),
		"-D", imagesDir,
		"--shell-job",
		"--tcp-established",
		"--ext-unix-sk",
		"--file-locks",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("criu dump failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// hasEstablishedTCP reports whether pid's network namespace holds any
// ESTABLISHED TCP socket (state 01 in /proc/<pid>/net/tcp). Restoring
// such a connection needs kernel TCP-repair support that may be absent.
func hasEstablishedTCP(pid uint32) bool {
	for _, table := range []string{"tcp", "tcp6"} {
		f, err := os.Open(fmt.Sprintf("/proc/%d/net/%s", pid, table))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Scan() // header
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) > 3 && fields[3] == "01" {
				f.Close()
				return true
			}
		}
		f.Close()
	}
	return false
}

// criuRestore invokes `criu restore` against a populated images
// directory and parses the new top-level pid from its output.
func criuRestore(imagesDir string) (uint32, error) {
	if _, err := exec.LookPath("criu"); err != nil {
		return 0, fmt.Errorf("criu binary not found in PATH: %w", err)
	}
	cmd := exec.Command("criu", "restore",
		"-D", imagesDir,
		"--shell-job",
		"--tcp-established",
		"--ext-unix-sk",
		"--file-locks",
		"--restore-detached",
		"--pidfile", imagesDir+"/restore.pid",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("criu restore failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return readPidFile(imagesDir + "/restore.pid")
}

func readPidFile(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("read restore pidfile: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty restore pidfile")
	}
	pid, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse restore pidfile: %w", err)
	}
	return uint32(pid), nil
}
