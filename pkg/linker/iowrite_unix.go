//go:build unix

package linker

import (
	"os"

	"golang.org/x/sys/unix"
)

// pwriteAt issues a genuine pwrite(2) via golang.org/x/sys/unix, rather than
// going through os.File.WriteAt's implicit seek+write.
func pwriteAt(f *os.File, data []byte, off int64) error {
	for len(data) > 0 {
		n, err := unix.Pwrite(int(f.Fd()), data, off)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		data = data[n:]
		off += int64(n)
	}
	return nil
}
