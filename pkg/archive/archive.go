// Package archive reads `ar`-format static archives: the `!<arch>\n` magic,
// fixed-width member headers, and BSD/SysV long-filename conventions. It has
// no dependency on pkg/linker — it hands back raw member bytes and a
// name-to-offset table of contents, leaving parsing of each member as an
// object to the caller (pkg/linker's resolver pulls members in on demand as
// their names are needed).
package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	errMalformed  = errors.New("archive: malformed long-name string table reference")
	ErrNotArchive = errors.New("archive: not an ar archive")
)

const magic = "!<arch>\n"

// Member is one archive member: its resolved name and its slice of the
// archive's backing bytes.
type Member struct {
	Name     string
	Offset   int // byte offset of the member's header within the archive
	Contents []byte
}

// Archive is a parsed `ar` file: every member in file order, plus a table
// of contents mapping exported symbol name to the offset(s) of the
// member(s) that define it, built from the `/` or `/SYM64/` symbol-table
// member.
type Archive struct {
	Members []Member
	// TOC maps symbol name to every member offset that defines it (usually
	// one, but nothing stops two members from defining the same weak
	// symbol).
	TOC map[string][]int
}

// Parse reads an `ar` archive's members and builds its TOC. Archive members
// are returned with their bytes already sliced out; parsing a member as an
// object is the caller's job (pkg/linker defers that until a name in TOC is
// actually needed).
func Parse(contents []byte) (*Archive, error) {
	if !bytes.HasPrefix(contents, []byte(magic)) {
		return nil, ErrNotArchive
	}

	a := &Archive{TOC: make(map[string][]int)}

	var strTab []byte
	pos := len(magic)

	for pos+2 <= len(contents) {
		if pos%2 == 1 {
			pos++
		}
		if pos+headerSize > len(contents) {
			break
		}

		var h header
		if err := binary.Read(bytes.NewReader(contents[pos:pos+headerSize]), binary.LittleEndian, &h); err != nil {
			return nil, err
		}
		bodyStart := pos + headerSize
		size, err := h.size()
		if err != nil {
			return nil, err
		}
		bodyEnd := bodyStart + size
		if bodyEnd > len(contents) {
			return nil, errMalformed
		}
		body := contents[bodyStart:bodyEnd]

		switch {
		case h.isStrtab():
			strTab = body
		case h.isSymtab():
			offsets, names, err := parseSymtab(body)
			if err == nil {
				for i, name := range names {
					a.TOC[name] = append(a.TOC[name], offsets[i])
				}
			}
		default:
			ptr := body
			name, err := h.readName(strTab, &ptr)
			if err != nil {
				return nil, err
			}
			if name != "__.SYMDEF" && name != "__.SYMDEF SORTED" {
				a.Members = append(a.Members, Member{Name: name, Offset: pos, Contents: ptr})
			}
		}

		pos = bodyEnd
	}

	return a, nil
}

// parseSymtab decodes the SysV `/` symbol-table member: a big-endian count,
// that many big-endian 4-byte member offsets, then that many NUL-terminated
// names in the same order.
func parseSymtab(body []byte) (offsets []int, names []string, err error) {
	if len(body) < 4 {
		return nil, nil, errMalformed
	}
	n := int(binary.BigEndian.Uint32(body[:4]))
	body = body[4:]
	if len(body) < n*4 {
		return nil, nil, errMalformed
	}
	offsets = make([]int, n)
	for i := 0; i < n; i++ {
		offsets[i] = int(binary.BigEndian.Uint32(body[i*4 : i*4+4]))
	}
	body = body[n*4:]

	names = make([]string, 0, n)
	for i := 0; i < n; i++ {
		end := bytes.IndexByte(body, 0)
		if end == -1 {
			return nil, nil, errMalformed
		}
		names = append(names, string(body[:end]))
		body = body[end+1:]
	}
	return offsets, names, nil
}
