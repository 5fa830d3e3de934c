package macho

import (
	"fmt"

	"github.com/nullsector/zld/pkg/linker"
	"github.com/nullsector/zld/pkg/utils"
)

// parseDylib reads a binary MH_DYLIB/MH_BUNDLE's LC_ID_DYLIB, LC_REEXPORT_DYLIB
// dependents, and exported names into a linker.DylibDescriptor. This package
// has no parser for text stub (.tbd) files.
//
// Export names are read off the symbol table's external-defined range
// rather than decoded from the export trie: dyld's trie is a radix tree
// keyed on mangled name with (flags, offset) leaves, and a linker consuming
// a dylib only ever needs the name set out of it, which the symtab already
// gives directly. Decoding the trie for this direction would reproduce the
// same information through a slower path; the trie this module writes for
// its own dylib *output* (linkedit.go) has no bearing on how one is read
// back in.
func parseDylib(f *linker.File) (*linker.DylibDescriptor, error) {
	data := f.Contents
	if len(data) < 32 {
		return nil, linker.ErrEmptyStubFile
	}
	hdr := utils.Read[Header64](data)
	if hdr.Magic != MHMagic64 {
		return nil, fmt.Errorf("%s: not a Mach-O dylib", f.Name)
	}
	if hdr.FileType != MHDylib && hdr.FileType != MHBundle {
		return nil, linker.ErrNotDylib
	}

	desc := &linker.DylibDescriptor{Exports: make(map[string]bool)}

	var symtab SymtabCommand
	var dysymtab DysymtabCommand
	haveDysymtab := false

	off := uint32(32)
	for i := uint32(0); i < hdr.NCmds; i++ {
		if int(off)+8 > len(data) {
			return nil, fmt.Errorf("%s: load command overruns file", f.Name)
		}
		lc := utils.Read[LoadCommand](data[off:])
		body := data[off : off+lc.CmdSize]

		switch lc.Cmd {
		case LCIDDylib:
			cmd := utils.Read[DylibCommand](body)
			desc.InstallName = cstring(body, cmd.NameOff)
			desc.CurrentVersion = cmd.CurrentVersion
			desc.CompatibilityVersion = cmd.CompatibilityVersion
		case LCReexportDylib, LCLoadDylib, LCLoadWeakDylib:
			cmd := utils.Read[DylibCommand](body)
			name := cstring(body, cmd.NameOff)
			if lc.Cmd == LCReexportDylib {
				desc.Dependents = append(desc.Dependents, name)
			}
		case LCSymtab:
			symtab = utils.Read[SymtabCommand](body)
		case LCDysymtab:
			dysymtab = utils.Read[DysymtabCommand](body)
			haveDysymtab = true
		}
		off += lc.CmdSize
	}

	if desc.InstallName == "" {
		return nil, linker.ErrNotDylib
	}

	if symtab.Stroff == 0 {
		return desc, nil
	}
	strtab := data[symtab.Stroff : symtab.Stroff+symtab.Strsize]

	start, end := uint32(0), symtab.Nsyms
	if haveDysymtab {
		start = dysymtab.IExtDefSym
		end = dysymtab.IExtDefSym + dysymtab.NExtDefSym
	}
	for i := start; i < end && i < symtab.Nsyms; i++ {
		symOff := uint64(symtab.Symoff) + uint64(i)*16
		if symOff+16 > uint64(len(data)) {
			break
		}
		nl := utils.Read[Nlist64](data[symOff:])
		if nl.IsExt() && nl.IsDefined() {
			desc.Exports[cstring(strtab, nl.Strx)] = true
		}
	}
	return desc, nil
}
