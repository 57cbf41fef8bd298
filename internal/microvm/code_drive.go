package microvm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/forgekit/forge/internal/domain"
	"github.com/forgekit/forge/internal/logging"
)

// buildCodeDrive creates an ext4 image and injects the sandbox's code at
// /handler. Small payloads reuse a cached template image to avoid repeated
// mkfs calls; larger payloads get a custom-sized drive.
func (m *Manager) buildCodeDrive(drivePath string, codeContent []byte) error {
	codeSizeMB := float64(len(codeContent)) / (1024 * 1024)

	defaultSize := m.config.CodeDriveSizeMB
	if defaultSize <= 0 {
		defaultSize = defaultCodeDriveSizeMB
	}
	minSize := m.config.MinCodeDriveSizeMB
	if minSize <= 0 {
		minSize = minCodeDriveSizeMB
	}

	requiredSizeMB := int(codeSizeMB/ext4OverheadFactor) + 2
	useTemplate := requiredSizeMB <= defaultSize
	var driveSizeMB int

	if useTemplate {
		templatePath := filepath.Join(m.config.SocketDir, "template-code.ext4")

		if !m.templateReady.Load() {
			m.templateMu.Lock()
			if !m.templateReady.Load() {
				if err := createTemplateDrive(templatePath, defaultSize); err != nil {
					m.templateMu.Unlock()
					return err
				}
				m.templateReady.Store(true)
			}
			m.templateMu.Unlock()
		}

		if err := copyFileBuffered(templatePath, drivePath); err != nil {
			return err
		}
		driveSizeMB = defaultSize
	} else {
		driveSizeMB = requiredSizeMB
		if driveSizeMB < minSize {
			driveSizeMB = minSize
		}
		logging.Op().Info("creating custom code drive",
			"size_mb", driveSizeMB,
			"code_size_mb", codeSizeMB)
		if err := createTemplateDrive(drivePath, driveSizeMB); err != nil {
			return err
		}
	}

	tmpFile, err := os.CreateTemp("", "forge-code-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(codeContent); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	tmpFile.Close()

	debugfsCmd := fmt.Sprintf("write %s handler\nsif handler mode 0100755\n", tmpPath)
	cmd := exec.Command("debugfs", "-w", drivePath)
	cmd.Stdin = strings.NewReader(debugfsCmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("debugfs inject (drive=%dMB, code=%.1fMB): %s: %w", driveSizeMB, codeSizeMB, out, err)
	}

	return nil
}

func createTemplateDrive(path string, sizeMB int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(sizeMB) * 1024 * 1024); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if out, err := exec.Command("mkfs.ext4", "-F", "-q", path).CombinedOutput(); err != nil {
		os.Remove(path)
		return fmt.Errorf("mkfs.ext4: %s: %w", out, err)
	}
	return nil
}

func copyFileBuffered(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 256*1024)
	_, err = io.CopyBuffer(out, bufio.NewReaderSize(in, 256*1024), buf)
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// rootfsForEnv maps an environment id to a rootfs image name. Full image
// references (containing "/" or ":") pass straight through, letting a
// manifest point at an arbitrary prebuilt rootfs; otherwise a bare
// environment name is matched against the known interpreter families and
// falls back to the minimal base image used by statically linked runtimes
// like Go and Rust.
func rootfsForEnv(env domain.EnvironmentID) string {
	name := string(env)
	if strings.ContainsAny(name, "/:") {
		return name
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "python"):
		return "python.ext4"
	case strings.HasPrefix(lower, "wasm"):
		return "wasm.ext4"
	case strings.HasPrefix(lower, "node"):
		return "node.ext4"
	case strings.HasPrefix(lower, "ruby"):
		return "ruby.ext4"
	case strings.HasPrefix(lower, "java"), strings.HasPrefix(lower, "kotlin"), strings.HasPrefix(lower, "scala"):
		return "java.ext4"
	case strings.HasPrefix(lower, "php"):
		return "php.ext4"
	case strings.HasPrefix(lower, "lua"):
		return "lua.ext4"
	case strings.HasPrefix(lower, "deno"):
		return "deno.ext4"
	case strings.HasPrefix(lower, "bun"):
		return "bun.ext4"
	default:
		return "base.ext4"
	}
}
