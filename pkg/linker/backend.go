package linker

// FormatBackend is the one-implementation-per-format seam: a closed variant
// over the three supported backends, not a dynamic plugin registry.
// cmd/zld selects a concrete FormatBackend by argv[0] before any linking
// begins; pkg/linker never dispatches on a registry, it only calls through
// whichever backend the driver handed it.
type FormatBackend interface {
	Format() Format

	// Probe identifies contents as an object, archive, or dylib/stub,
	// returning ErrNotObject/ErrNotArchive/ErrNotDylib to let the caller
	// try the next candidate.
	ProbeObject(contents []byte) bool
	ProbeDylib(contents []byte) bool

	// NewObjectReader parses f as an object of this format.
	NewObjectReader(ctx *Context, f *File) (ObjectReader, error)

	// NewDylibDescriptor parses f as a dylib or stub file (Mach-O only;
	// ELF/Wasm backends return ErrNotDylib unconditionally).
	NewDylibDescriptor(f *File) (*DylibDescriptor, error)

	// MachineMatches reports whether contents was built for target.
	MachineMatches(contents []byte, target Arch) bool

	// Finalize runs S7: writes every format-specific metadata stream and
	// the final header, returning the complete output image.
	Finalize(ctx *Context) ([]byte, error)
}
