package archive

import (
	"bytes"
	"strconv"
	"strings"
)

// header is the 60-byte fixed-width `ar` member header. The layout is
// mandated by the `ar` file format itself, not a design choice.
type header struct {
	Name [16]byte
	Date [12]byte
	UID  [6]byte
	GID  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

const headerSize = 60

func (h *header) startsWith(s string) bool {
	return string(h.Name[:len(s)]) == s
}

func (h *header) isStrtab() bool { return h.startsWith("// ") }
func (h *header) isSymtab() bool { return h.startsWith("/ ") || h.startsWith("/SYM64/ ") }

func (h *header) size() (int, error) {
	return strconv.Atoi(strings.TrimSpace(string(h.Size[:])))
}

// readName resolves a member name, handling BSD long-name (`#1/N`), SysV
// long-name (`/N` index into the string table), and plain short names.
func (h *header) readName(strTab []byte, body *[]byte) (string, error) {
	if h.startsWith("#1/") {
		n, err := strconv.Atoi(strings.TrimSpace(string(h.Name[3:])))
		if err != nil {
			return "", err
		}
		name := (*body)[:n]
		*body = (*body)[n:]
		if end := bytes.IndexByte(name, 0); end != -1 {
			name = name[:end]
		}
		return string(name), nil
	}

	if h.startsWith("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(h.Name[1:])))
		if err != nil {
			return "", err
		}
		rest := strTab[start:]
		end := bytes.Index(rest, []byte("/\n"))
		if end == -1 {
			return "", errMalformed
		}
		return string(rest[:end]), nil
	}

	if end := bytes.IndexByte(h.Name[:], '/'); end != -1 {
		return string(h.Name[:end]), nil
	}
	return string(h.Name[:]), nil
}
