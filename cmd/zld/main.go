package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nullsector/zld/pkg/format/elf"
	"github.com/nullsector/zld/pkg/format/macho"
	"github.com/nullsector/zld/pkg/format/wasm"
	"github.com/nullsector/zld/pkg/linker"
)

var version string

// main dispatches to a FormatBackend by argv[0]: one binary, one
// argv[0]-selected backend, never a registry or plugin load.
func main() {
	name := filepath.Base(os.Args[0])

	var format linker.Format
	switch name {
	case "ld.zld", "ld":
		format = linker.FormatELF
	case "ld64.zld", "ld64":
		format = linker.FormatMachO
	case "link-zld":
		fmt.Fprintln(os.Stderr, "zld: \033[0;1;31merror:\033[0m link-zld (COFF) is not implemented")
		os.Exit(1)
	case "wasm-zld":
		format = linker.FormatWasm
	default:
		printUsage()
		os.Exit(0)
	}

	opt, unknown, err := ParseOptions(os.Args[1:], format)
	if err != nil {
		fatal(err)
	}
	for _, a := range unknown {
		fmt.Fprintf(os.Stderr, "zld: warning: unknown option %s\n", a)
	}

	var backend linker.FormatBackend
	switch format {
	case linker.FormatELF:
		backend = elf.New()
	case linker.FormatMachO:
		backend = macho.New(opt.Target.CPUArch)
	case linker.FormatWasm:
		backend = wasm.New()
	}

	if err := run(opt, format, backend); err != nil {
		fatal(err)
	}
}

// run implements S1 (ReadInputFiles) and the output write; S2-S7 are
// driven entirely by backend.Finalize, which each backend package chains
// internally (ResolveSymbols -> BuildAtoms -> CreateSyntheticAtoms ->
// Layout -> WriteRelocations -> format-specific emission, with Wasm
// skipping the GOT/stub-oriented CreateSyntheticAtoms/WriteRelocations
// steps since it has no such indirection) so that a finalizer under test
// can run the whole pipeline from a bare Context without going through
// this driver at all.
func run(opt *linker.Options, format linker.Format, backend linker.FormatBackend) error {
	ctx := linker.NewContext(opt, format)

	if err := linker.ReadInputFiles(ctx, backend, opt); err != nil {
		return err
	}

	out, err := backend.Finalize(ctx)
	if err != nil {
		return err
	}

	path := filepath.Join(opt.Emit.Directory, opt.Emit.SubPath)
	if opt.Emit.Directory == "" {
		path = opt.Emit.SubPath
	}
	return linker.OpenOutput(path, out)
}

// fatal prints err with the same ANSI-colored error prefix utils.Fatal
// uses, but unlike utils.Fatal returns control to the caller via
// os.Exit(1) instead of dumping a goroutine stack trace: every error
// reaching here is an expected, typed link failure (pkg/linker/errors.go),
// not an internal invariant violation.
func fatal(err error) {
	fmt.Fprintln(os.Stderr, "zld: \033[0;1;31merror:\033[0m "+err.Error())
	os.Exit(1)
}

func printUsage() {
	fmt.Printf("Usage: %s [options] file...\n", os.Args[0])
	if version != "" {
		fmt.Printf("zld version %s\n", version)
	}
}
