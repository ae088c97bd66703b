//go:build !unix

// Portable fallback for hosts without flock (e.g. Windows): advisory
// locking is emulated with an exclusive-create sentinel file beside the
// lock file, since os.OpenFile's O_CREATE|O_RDWR alone does not exclude
// other processes on every platform. This is weaker than flock (it does
// not survive an unclean process kill without a stale-sentinel sweep) but
// keeps leasing available on non-POSIX hosts instead of failing outright.
package lease

import (
	"fmt"
	"os"
)

func lockFile(f *os.File) error {
	sentinel := f.Name() + ".sentinel"
	sf, err := os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("acquire portable lock sentinel: %w", err)
	}
	return sf.Close()
}

func unlockFile(f *os.File) error {
	return os.Remove(f.Name() + ".sentinel")
}
