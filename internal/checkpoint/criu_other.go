//go:build !linux

package checkpoint

import "github.com/forgekit/forge/internal/domain"

func criuDump(pid uint32, imagesDir string) error {
	return domain.ErrNotSupported
}

func criuRestore(imagesDir string) (uint32, error) {
	return 0, domain.ErrNotSupported
}

func hasEstablishedTCP(pid uint32) bool { return false }
