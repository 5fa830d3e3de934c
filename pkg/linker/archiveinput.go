package linker

import "github.com/nullsector/zld/pkg/archive"

// ArchiveIndex pairs a parsed archive.Archive with the File its bytes came
// from. Members are parsed into InputFiles lazily, on resolver pull-in: an
// archive member is not eagerly parsed, only sliced out and turned into an
// Object once the resolver actually needs a symbol it defines.
type ArchiveIndex struct {
	File    *File
	Archive *archive.Archive

	// parsed caches the InputFile for a member offset once pulled in, so a
	// symbol defined by an already-pulled member doesn't reparse it.
	parsed map[int]*InputFile
}

func newArchiveIndex(f *File, a *archive.Archive) *ArchiveIndex {
	return &ArchiveIndex{File: f, Archive: a, parsed: make(map[int]*InputFile)}
}

// DylibDescriptor is the Mach-O-only record of one bound dynamic library:
// its install name, version info, exported symbol set, dependent install
// names, and weak-linking flag.
type DylibDescriptor struct {
	InstallName          string
	CurrentVersion       uint32
	CompatibilityVersion uint32
	Exports              map[string]bool
	Dependents           []string
	Weak                 bool

	// Ordinal is this dylib's 1-based index in ctx.Dylibs, used by bind
	// entries.
	Ordinal int
}
