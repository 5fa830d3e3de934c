package linker

// Positional is one positional input argument: a path plus whether the
// driver was told to force-load every member if it turns out to be an
// archive.
type Positional struct {
	Path     string
	MustLink bool
}

// LibSpec records how a `-lname`/`-framework name` reference should be
// treated: whether it is required for a successful link and whether it
// binds weakly (Mach-O only).
type LibSpec struct {
	Needed bool
	Weak   bool
}

// SearchStrategy controls whether `-lname` prefers a `.a` archive or a
// dylib when both exist on the search path (Mach-O only).
type SearchStrategy int

const (
	SearchDylibsFirst SearchStrategy = iota
	SearchPathsFirst
)

// Emit describes where the final output file is written.
type Emit struct {
	Directory string
	SubPath   string
}

// Target pins the architecture/OS/ABI the output is built for. Required on
// every invocation.
type Target struct {
	CPUArch Arch
	OSTag   string
	ABI     string
}

// Options is the fully-populated configuration record every backend
// consumes. Command-line parsing into this record lives outside the core;
// cmd/zld/options.go is the one concrete producer.
type Options struct {
	Positionals []Positional

	LibDirs       []string
	FrameworkDirs []string
	Libs          map[string]LibSpec
	Frameworks    map[string]LibSpec

	SearchStrategy SearchStrategy
	OutputMode     OutputMode
	Emit           Emit
	Target         Target

	SysRoot      string
	Entry        string
	StackSize    uint64
	PageZeroSize uint64
	Entitlements string

	DeadStrip       bool
	DeadStripDylibs bool
	Strip           bool
	ImportMemory    bool
	SharedMemory    bool
	AllowUndef      bool

	// Jobs bounds the S1 parse worker pool (workpool.go). Zero means the
	// default derived from runtime.NumCPU.
	Jobs int

	// SourceDateEpoch, when non-zero, is folded into the Mach-O UUID
	// computation so two builds of identical inputs at different wall-clock
	// times still produce byte-identical output.
	SourceDateEpoch int64
}

func NewOptions() *Options {
	return &Options{
		Libs:       make(map[string]LibSpec),
		Frameworks: make(map[string]LibSpec),
		Emit:       Emit{SubPath: "a.out"},
	}
}
