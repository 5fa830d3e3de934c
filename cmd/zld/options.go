package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"

	"github.com/nullsector/zld/pkg/linker"
)

// ParseOptions walks argv with dashes/readArg/readFlag closures over a
// mutable cursor, covering the combined flag surface of all three output
// backends. Flags meaningless for the selected format (e.g. -framework
// under FormatELF) are accepted and ignored rather than rejected, matching
// ld's own tolerance of foreign-backend flags.
//
// The second return value carries every argument this function didn't
// recognize, left for the caller to warn about: unknown flags are
// warnings, not fatal, unless the resource they'd have named turns out to
// be required.
func ParseOptions(argv []string, format linker.Format) (*linker.Options, []string, error) {
	opt := linker.NewOptions()
	var unknown []string
	var mustLink bool
	jobsSet := false
	epochSet := false

	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	args := argv
	var arg string

	readArg := func(name string) bool {
		for _, cand := range dashes(name) {
			if len(args) == 0 {
				return false
			}
			if args[0] == cand {
				if len(args) == 1 {
					return false
				}
				arg = args[1]
				args = args[2:]
				return true
			}
			if strings.HasPrefix(args[0], cand+"=") {
				arg = args[0][len(cand)+1:]
				args = args[1:]
				return true
			}
			// Single-letter options (-Lpath, -lfoo) also accept the
			// concatenated form ld itself uses with no separator at all.
			if len(name) == 1 && len(args[0]) > len(cand) && strings.HasPrefix(args[0], cand) {
				arg = args[0][len(cand):]
				args = args[1:]
				return true
			}
		}
		return false
	}

	readFlag := func(name string) bool {
		for _, cand := range dashes(name) {
			if len(args) > 0 && args[0] == cand {
				args = args[1:]
				return true
			}
		}
		return false
	}

	parseUint := func(name, s string) (uint64, error) {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("option -%s: invalid integer %q", name, s)
		}
		return v, nil
	}

	for len(args) > 0 {
		switch {
		case readFlag("help"):
			fmt.Printf("Usage: %s [options] file...\n", os.Args[0])
			os.Exit(0)
		case readFlag("v") || readFlag("version"):
			fmt.Printf("zld %s\n", version)
			os.Exit(0)
		case readArg("o") || readArg("output"):
			opt.Emit.Directory, opt.Emit.SubPath = filepath.Split(arg)
		case readArg("L") || readArg("library-path"):
			opt.LibDirs = append(opt.LibDirs, filepath.Clean(arg))
		case readArg("F") || readArg("framework-path"):
			opt.FrameworkDirs = append(opt.FrameworkDirs, filepath.Clean(arg))
		case readArg("framework"):
			opt.Frameworks[arg] = linker.LibSpec{Needed: true}
		case readArg("weak_framework") || readArg("weak-framework"):
			opt.Frameworks[arg] = linker.LibSpec{Needed: true, Weak: true}
		case readArg("weak-l") || readArg("weak_library"):
			opt.Libs[arg] = linker.LibSpec{Needed: true, Weak: true}
		case readFlag("dylib") || readFlag("shared"):
			opt.OutputMode = linker.OutputModeLib
		case readFlag("static") || readFlag("search_paths_first"):
			opt.SearchStrategy = linker.SearchPathsFirst
		case readFlag("search_dylibs_first"):
			opt.SearchStrategy = linker.SearchDylibsFirst
		case readArg("syslibroot"):
			opt.SysRoot = arg
		case readArg("e") || readArg("entry"):
			opt.Entry = arg
		case readArg("stack_size") || readArg("stack-size"):
			v, err := parseUint("stack_size", arg)
			if err != nil {
				return nil, nil, err
			}
			opt.StackSize = v
		case readArg("pagezero_size"):
			v, err := parseUint("pagezero_size", arg)
			if err != nil {
				return nil, nil, err
			}
			opt.PageZeroSize = v
		case readArg("entitlements"):
			opt.Entitlements = arg
		case readFlag("dead_strip") || readFlag("gc-sections"):
			opt.DeadStrip = true
		case readFlag("dead_strip_dylibs"):
			opt.DeadStripDylibs = true
		case readFlag("s") || readFlag("strip-all"):
			opt.Strip = true
		case readFlag("import-memory"):
			opt.ImportMemory = true
		case readFlag("shared-memory"):
			opt.SharedMemory = true
		case readFlag("allow-undefined") || readFlag("undefined"):
			opt.AllowUndef = true
		case readArg("arch"):
			switch arg {
			case "x86_64", "amd64":
				opt.Target.CPUArch = linker.ArchX86_64
			case "aarch64", "arm64":
				opt.Target.CPUArch = linker.ArchAArch64
			default:
				return nil, nil, fmt.Errorf("option -arch: unknown architecture %q", arg)
			}
		case readArg("target-os"):
			opt.Target.OSTag = arg
		case readArg("abi"):
			opt.Target.ABI = arg
		case readArg("force_load"):
			opt.Positionals = append(opt.Positionals, linker.Positional{Path: arg, MustLink: true})
		case readFlag("whole-archive") || readFlag("all_load"):
			mustLink = true
		case readFlag("no-whole-archive"):
			mustLink = false
		case readArg("j") || readArg("jobs"):
			v, err := strconv.Atoi(arg)
			if err != nil {
				return nil, nil, fmt.Errorf("option -j: invalid integer %q", arg)
			}
			opt.Jobs = v
			jobsSet = true
		case readArg("source-date-epoch") || readArg("source_date_epoch"):
			v, err := strconv.ParseInt(arg, 0, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("option --source-date-epoch: invalid integer %q", arg)
			}
			opt.SourceDateEpoch = v
			epochSet = true
		case readArg("l"):
			opt.Libs[arg] = linker.LibSpec{Needed: true}
		default:
			if len(args[0]) > 0 && args[0][0] == '-' {
				unknown = append(unknown, args[0])
				args = args[1:]
				continue
			}
			opt.Positionals = append(opt.Positionals, linker.Positional{Path: args[0], MustLink: mustLink})
			args = args[1:]
		}
	}

	// SOURCE_DATE_EPOCH is the ambient reproducible-builds convention;
	// ZLD_JOBS lets a build system cap the S1 parse pool without a flag on
	// every invocation. Both only apply when the flag itself was absent.
	if !jobsSet {
		opt.Jobs = env.Int("ZLD_JOBS", opt.Jobs)
	}
	if !epochSet {
		opt.SourceDateEpoch = int64(env.Int("SOURCE_DATE_EPOCH", int(opt.SourceDateEpoch)))
	}

	if opt.Emit.SubPath == "" {
		opt.Emit.SubPath = "a.out"
	}
	opt.Target.CPUArch = defaultArchFor(format, opt.Target.CPUArch)

	return opt, unknown, nil
}

// defaultArchFor fills in Target.CPUArch when the caller never passed
// -arch: Wasm has no CPU architecture axis at all (ArchNone), while
// ELF/Mach-O default to x86-64 the way `ld`/`ld64` do when untargeted.
func defaultArchFor(format linker.Format, arch linker.Arch) linker.Arch {
	if format == linker.FormatWasm {
		return linker.ArchNone
	}
	if arch == linker.ArchNone {
		return linker.ArchX86_64
	}
	return arch
}
