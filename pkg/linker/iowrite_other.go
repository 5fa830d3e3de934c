//go:build !unix

package linker

import "os"

// pwriteAt falls back to WriteAt on platforms without a pwrite(2) syscall
// golang.org/x/sys/unix exposes.
func pwriteAt(f *os.File, data []byte, off int64) error {
	_, err := f.WriteAt(data, off)
	return err
}
