package linker

import "os"

// OpenOutput creates (or truncates) path and writes data with a single
// positioned write (pwrite). This module builds the whole image in memory
// first (ctx.Buf for ELF/Mach-O, the backend's returned buffer for Wasm)
// rather than seeking past a header and filling it in later, so one
// pwriteAt(0, data) covers the entire write.
func OpenOutput(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	return pwriteAt(f, data, 0)
}
