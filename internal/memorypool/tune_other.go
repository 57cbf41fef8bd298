//go:build !linux

package memorypool

import "github.com/forgekit/forge/internal/logging"

// On non-Linux hosts KSM, THP, and zram have no equivalent; every tuning
// knob reports disabled rather than failing startup.

func enableKSM() bool {
	logging.Op().Warn("memorypool: KSM tuning only supported on linux")
	return false
}

func enableTHP() bool {
	return false
}

func setupZRAM(int) bool {
	return false
}

func tuneKSMScan(int) {}

func adviseHugePage([]byte) {}

func ksmDedupRatio() float64 { return 0 }

func hugePageCount() int64 { return 0 }

func zramCompressionRatio() float64 { return 0 }
