package linker

// Global is the resolver's chosen definition for one externally-visible
// name. Context stores Globals as a flat array with a name→index hash
// table for lookup; each InputFile keeps a side table mapping its own
// local symbol indices to a Global index for quick remapping.
type Global struct {
	Name string

	// Ref names which input (if any) currently owns the winning definition.
	// A nil Input with Sym != nil means the definition is a linker-internal
	// synthetic symbol (e.g. __mh_execute_header).
	Ref SymbolRef
	Sym *Symbol

	// Atom is set once atom decomposition assigns the definition to an
	// atom; nil until then and for still-undefined globals.
	Atom AtomIndex

	// DylibOrdinal records which bound dylib supplies this definition when
	// it was resolved against a bound dylib's export set (Mach-O only);
	// zero means "not dylib-bound."
	DylibOrdinal int

	// Needs accumulates NeedsGOT/NeedsStub/... flags discovered while
	// scanning relocations, drained into synthetic atom creation.
	Needs uint32

	// FlatNamespace marks a symbol deliberately left undefined under
	// allow_undef.
	FlatNamespace bool

	IsExported bool

	// duplicate records a mergeDuplicateError outcome found while merging
	// this name's definitions, surfaced by reportUndefined once resolution
	// finishes (resolve.go).
	duplicate *DuplicateSymbolError
}

func newGlobal(name string) *Global {
	return &Global{Name: name}
}

// rankOf scores a candidate definition for the resolver's merge rule:
// strong definitions outrank weak, weak outranks tentative, tentative
// outranks undefined; within each class, definitions from an eagerly-linked
// object outrank ones that would require an archive pull (isLazy).
func rankOf(sym *Symbol, isLazy bool) int {
	switch {
	case sym == nil:
		return 7
	case sym.IsTentative():
		if isLazy {
			return 2
		}
		return 1
	case sym.IsUndefined():
		if isLazy {
			if sym.IsWeak() {
				return 6
			}
			return 5
		}
		if sym.IsWeak() {
			return 4
		}
		return 3
	default:
		// Shouldn't be reached for a defined, non-tentative symbol; callers
		// special-case strong/weak definitions directly in resolve.go.
		return 0
	}
}

// mergeDecision is the outcome of applying the resolver's merge rule to an
// (existing, candidate) pair.
type mergeDecision int

const (
	mergeKeepExisting mergeDecision = iota
	mergeReplace
	mergeDuplicateError
	mergeKeepLargerTentative
)

// decideMerge implements the resolver's strong/weak/tentative/undefined
// merge-rule table.
func decideMerge(existing, candidate *Symbol) mergeDecision {
	if existing == nil {
		return mergeReplace
	}

	switch {
	case existing.isStrong():
		if candidate.isStrong() {
			return mergeDuplicateError
		}
		return mergeKeepExisting

	case existing.IsWeak() && !existing.IsUndefined() && !existing.IsTentative():
		if candidate.isStrong() {
			return mergeReplace
		}
		return mergeKeepExisting

	case existing.IsTentative():
		switch {
		case candidate.isStrong():
			return mergeReplace
		case candidate.IsWeak() && !candidate.IsUndefined() && !candidate.IsTentative():
			return mergeKeepExisting
		case candidate.IsTentative():
			return mergeKeepLargerTentative
		default: // candidate undefined
			return mergeKeepExisting
		}

	case existing.IsUndefined():
		if candidate.IsUndefined() {
			return mergeKeepExisting
		}
		return mergeReplace

	default:
		return mergeKeepExisting
	}
}
