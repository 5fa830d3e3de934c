package linker

import "os"

// File is an on-disk byte buffer plus its origin: an input is opened, read
// fully into memory once, referenced by slice thereafter, and the handle
// closed.
type File struct {
	Name     string
	Contents []byte

	// Parent is set for an archive member: the archive File it was sliced
	// out of.
	Parent *File
}

func NewFile(path string) (*File, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &File{Name: path, Contents: contents}, nil
}
