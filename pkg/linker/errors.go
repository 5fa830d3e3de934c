package linker

import "errors"

// Sentinel errors returned during input probing. A driver walking the list
// of candidate formats (object / archive / dylib) treats these as "try the
// next one."
var (
	ErrNotObject = errors.New("not an object file")
	ErrNotArchive = errors.New("not an archive")
	ErrNotDylib = errors.New("not a dylib or stub file")
)

// Fatal-for-the-link errors. These are never retried by a format probe; the
// link fails outright once one of these is produced.
var (
	ErrMalformedArchive         = errors.New("malformed archive")
	ErrEmptyStubFile            = errors.New("empty stub file")
	ErrMismatchedCPUArch        = errors.New("mismatched cpu architecture")
	ErrUndefinedSymbol          = errors.New("undefined symbol reference")
	ErrMultipleDefinitions      = errors.New("multiple symbol definitions")
	ErrMissingMainEntrypoint    = errors.New("missing main entrypoint")
	ErrLibraryNotFound          = errors.New("library not found")
	ErrFrameworkNotFound        = errors.New("framework not found")
	ErrUnsupportedCPUArch       = errors.New("unsupported cpu architecture")
	ErrRelocationOutOfRange     = errors.New("relocation out of range")
	ErrRelWithoutAddend         = errors.New("SHT_REL section without explicit addend is not supported")
	ErrUnsupportedTLSModel      = errors.New("TLS reference to a non-local definition needs a dynamic TLS model, which this linker does not implement")
)

// UndefinedSymbolError names the offending symbol and the object that
// referenced it, so a caller can report every undefined name instead of
// stopping at the first.
type UndefinedSymbolError struct {
	Symbol    string
	Referrer  string
}

func (e *UndefinedSymbolError) Error() string {
	return "undefined symbol: " + e.Symbol + " (referenced from " + e.Referrer + ")"
}

func (e *UndefinedSymbolError) Unwrap() error { return ErrUndefinedSymbol }

// DuplicateSymbolError names a symbol with more than one strong definition.
type DuplicateSymbolError struct {
	Symbol string
	First  string
	Second string
}

func (e *DuplicateSymbolError) Error() string {
	return "duplicate symbol " + e.Symbol + ": defined in both " + e.First + " and " + e.Second
}

func (e *DuplicateSymbolError) Unwrap() error { return ErrMultipleDefinitions }
