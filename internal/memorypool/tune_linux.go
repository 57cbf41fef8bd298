//go:build linux

package memorypool

import (
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/forgekit/forge/internal/logging"
	"golang.org/x/sys/unix"
)

const (
	ksmRunPath          = "/sys/kernel/mm/ksm/run"
	ksmPagesToScanPath  = "/sys/kernel/mm/ksm/pages_to_scan"
	ksmSleepMillisPath  = "/sys/kernel/mm/ksm/sleep_millisecs"
	ksmPagesSharedPath  = "/sys/kernel/mm/ksm/pages_shared"
	ksmPagesSharingPath = "/sys/kernel/mm/ksm/pages_sharing"
	thpEnabledPath      = "/sys/kernel/mm/transparent_hugepage/enabled"
	thpDefragPath       = "/sys/kernel/mm/transparent_hugepage/defrag"
)

func enableKSM() bool {
	if _, err := os.Stat(ksmRunPath); err != nil {
		logging.Op().Warn("memorypool: KSM not available on this host")
		return false
	}
	os.WriteFile(ksmRunPath, []byte("1"), 0o644)
	os.WriteFile(ksmPagesToScanPath, []byte("1000"), 0o644)
	os.WriteFile(ksmSleepMillisPath, []byte("20"), 0o644)
	logging.Op().Info("memorypool: KSM enabled with optimized scan settings")
	return true
}

func enableTHP() bool {
	if _, err := os.Stat(thpEnabledPath); err != nil {
		return false
	}
	os.WriteFile(thpEnabledPath, []byte("always"), 0o644)
	os.WriteFile(thpDefragPath, []byte("madvise"), 0o644)
	logging.Op().Info("memorypool: transparent huge pages enabled")
	return true
}

// setupZRAM loads the zram module, sizes a single device, and swaps it
// on at priority 100. Every step is best-effort: absence of modprobe,
// mkswap, or swapon (common in unprivileged/containerized hosts) simply
// leaves zram disabled.
func setupZRAM(sizeGB int) bool {
	if sizeGB <= 0 {
		sizeGB = 4
	}
	if err := exec.Command("modprobe", "zram", "num_devices=1").Run(); err != nil {
		logging.Op().Warn("memorypool: zram module unavailable", "error", err)
		return false
	}
	sizeBytes := int64(sizeGB) * 1024 * 1024 * 1024
	os.WriteFile("/sys/block/zram0/comp_algorithm", []byte("lz4"), 0o644)
	os.WriteFile("/sys/block/zram0/disksize", []byte(strconv.FormatInt(sizeBytes, 10)), 0o644)
	if err := exec.Command("mkswap", "/dev/zram0").Run(); err != nil {
		logging.Op().Warn("memorypool: mkswap on zram0 failed", "error", err)
		return false
	}
	if err := exec.Command("swapon", "-p", "100", "/dev/zram0").Run(); err != nil {
		logging.Op().Warn("memorypool: swapon zram0 failed", "error", err)
		return false
	}
	logging.Op().Info("memorypool: zram compressed swap enabled", "size_gb", sizeGB)
	return true
}

func tuneKSMScan(pagesToScan int) {
	os.WriteFile(ksmPagesToScanPath, []byte(strconv.Itoa(pagesToScan)), 0o644)
}

// adviseHugePage asks the kernel to back buf with transparent huge
// pages where possible. Failure is silent: madvise is an optimization
// hint, never a correctness requirement.
func adviseHugePage(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Madvise(buf, unix.MADV_HUGEPAGE)
}

// hugePageCount reads the anonymous huge page count from /proc/meminfo
// (AnonHugePages is reported in kB; a THP is 2048 kB).
func hugePageCount() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "AnonHugePages:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, _ := strconv.ParseInt(fields[1], 10, 64)
		return kb / 2048
	}
	return 0
}

// zramCompressionRatio reports original/compressed size from the zram0
// mm_stat file (columns: orig_data_size compr_data_size ...).
func zramCompressionRatio() float64 {
	data, err := os.ReadFile("/sys/block/zram0/mm_stat")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	orig, _ := strconv.ParseFloat(fields[0], 64)
	compr, _ := strconv.ParseFloat(fields[1], 64)
	if compr <= 0 {
		return 0
	}
	return orig / compr
}

func ksmDedupRatio() float64 {
	shared, err1 := os.ReadFile(ksmPagesSharedPath)
	sharing, err2 := os.ReadFile(ksmPagesSharingPath)
	if err1 != nil || err2 != nil {
		return 0
	}
	sharedN, _ := strconv.ParseFloat(strings.TrimSpace(string(shared)), 64)
	sharingN, _ := strconv.ParseFloat(strings.TrimSpace(string(sharing)), 64)
	if sharingN <= 0 {
		return 0
	}
	return sharedN / sharingN
}
