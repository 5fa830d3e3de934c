package linker

// SymbolRef is the only way an Atom or Relocation refers to a symbol. A nil
// Input means the reference is to a synthesized local symbol (GOT entry,
// stub, thunk, tentative placeholder); otherwise Input identifies the
// InputFile that owns symbol table slot Index.
type SymbolRef struct {
	Input *InputFile
	Index int32
}

// IsSynthetic reports whether this ref names a linker-generated local
// symbol rather than one drawn from an input's symbol table.
func (r SymbolRef) IsSynthetic() bool {
	return r.Input == nil
}

// NullSymbolRef is the zero value, used where no symbol reference applies.
var NullSymbolRef = SymbolRef{}
