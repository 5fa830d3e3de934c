package linker

// Context is the single mutable record every pipeline stage reads and
// writes: input collections, atom pool, symbol tables, and section/segment
// tables, shared across all three format backends.
type Context struct {
	Opt    *Options
	Format Format

	Objs     []*InputFile
	Archives []*ArchiveIndex
	Dylibs   []*DylibDescriptor

	nextInputID   int
	nextPriority  uint32

	Globals     []*Global
	GlobalIndex map[string]int

	Atoms *AtomPool

	OutputSections []*OutputSection
	Segments       []*Segment

	// EntrySymbol is the resolved Global for Options.Entry, set once the
	// resolver has run.
	EntrySymbol *Global

	// InternalFile is a synthetic zero-content InputFile that owns
	// linker-generated symbols not attributable to any real input.
	InternalFile *InputFile

	Buf []byte

	pool *workPool
}

// NewContext builds an empty Context for the given target format.
func NewContext(opt *Options, format Format) *Context {
	ctx := &Context{
		Opt:          opt,
		Format:       format,
		GlobalIndex:  make(map[string]int),
		Atoms:        NewAtomPool(),
		nextPriority: 10000,
	}
	ctx.pool = newWorkPool(opt.Jobs)
	ctx.InternalFile = newInputFile(-1, &File{Name: "<internal>"}, InputObject)
	ctx.InternalFile.IsAlive = true
	ctx.InternalFile.Priority = 1
	return ctx
}

// newInput registers a fresh InputFile with a strictly increasing priority,
// used to break resolver ties in favor of earlier command-line inputs.
func (ctx *Context) newInput(f *File, kind InputKind, inArchive bool) *InputFile {
	in := newInputFile(ctx.nextInputID, f, kind)
	ctx.nextInputID++
	in.IsAlive = !inArchive
	in.Priority = ctx.nextPriority
	ctx.nextPriority++
	return in
}

// GetGlobal finds or creates the Global for name, backed by a flat
// indexable array plus a name-to-index map rather than a map of pointers.
func (ctx *Context) GetGlobal(name string) *Global {
	if idx, ok := ctx.GlobalIndex[name]; ok {
		return ctx.Globals[idx]
	}
	g := newGlobal(name)
	ctx.GlobalIndex[name] = len(ctx.Globals)
	ctx.Globals = append(ctx.Globals, g)
	return g
}
