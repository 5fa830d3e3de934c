package linker

import (
	"fmt"
	"path/filepath"

	"github.com/nullsector/zld/pkg/archive"
)

// ReadInputFiles walks every positional/library argument, classifies it as
// object/archive/dylib via backend-dispatched probing, and populates
// ctx.Objs/ctx.Archives/ctx.Dylibs.
//
// Reading and classifying files is sequential (archive TOC constuction and
// dylib registration touch ctx.Archives/ctx.Dylibs directly), but once every
// positional has been classified, every object's actual Parse runs
// concurrently on ctx.pool, since each ObjectReader.Parse only populates its
// own InputFile's fields.
func ReadInputFiles(ctx *Context, backend FormatBackend, opt *Options) error {
	visited := make(map[string]bool)
	var pending []*InputFile

	classify := func(path string, mustLink bool) error {
		if visited[path] {
			return nil
		}
		visited[path] = true

		f, err := NewFile(path)
		if err != nil {
			return err
		}
		in, err := ctx.classifyFile(backend, f, mustLink)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if in != nil {
			pending = append(pending, in)
		}
		return nil
	}

	for _, pos := range opt.Positionals {
		if err := classify(pos.Path, pos.MustLink); err != nil {
			return err
		}
	}

	for name, spec := range opt.Libs {
		path, err := findLibrary(opt, name, backend)
		if err != nil {
			if spec.Needed {
				return err
			}
			continue
		}
		if err := classify(path, false); err != nil {
			return err
		}
	}

	for _, in := range pending {
		in := in
		ctx.pool.Go(func() error {
			if err := in.Reader.Parse(ctx); err != nil {
				return fmt.Errorf("%s: %w", in.File.Name, err)
			}
			return nil
		})
	}
	if errs := ctx.pool.Wait(); len(errs) > 0 {
		return errs[0]
	}
	ctx.Objs = append(ctx.Objs, pending...)

	if len(ctx.Objs) == 0 {
		return fmt.Errorf("no input files")
	}
	return nil
}

func findLibrary(opt *Options, name string, backend FormatBackend) (string, error) {
	for _, dir := range opt.LibDirs {
		candidate := filepath.Join(dir, "lib"+name+".a")
		if _, err := NewFile(candidate); err == nil {
			return candidate, nil
		}
		if backend.Format() == FormatMachO {
			candidate := filepath.Join(dir, "lib"+name+".dylib")
			if _, err := NewFile(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrLibraryNotFound)
}

// classifyFile identifies one file and dispatches to the matching
// registration path. For an object it allocates the InputFile and its
// ObjectReader but does not call Parse; the caller batches every such
// InputFile and parses them concurrently. Archives get their TOC built
// eagerly, but members are not parsed here (lazy pull-in is the resolver's
// job), unless mustLink forces every member in; dylibs are fully registered
// immediately since there is nothing to parse concurrently.
func (ctx *Context) classifyFile(backend FormatBackend, f *File, mustLink bool) (*InputFile, error) {
	switch {
	case backend.ProbeObject(f.Contents):
		return ctx.reserveObject(backend, f, false)

	case len(f.Contents) >= 8 && string(f.Contents[:8]) == "!<arch>\n":
		a, err := archive.Parse(f.Contents)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, ErrMalformedArchive)
		}
		idx := newArchiveIndex(f, a)
		ctx.Archives = append(ctx.Archives, idx)
		if mustLink {
			for _, m := range a.Members {
				if _, err := ctx.pullArchiveMember(backend, idx, m.Offset); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil

	case backend.ProbeDylib(f.Contents):
		d, err := backend.NewDylibDescriptor(f)
		if err != nil {
			return nil, err
		}
		d.Ordinal = len(ctx.Dylibs) + 1
		ctx.Dylibs = append(ctx.Dylibs, d)
		return nil, nil

	default:
		return nil, fmt.Errorf("%s: unrecognized file type", f.Name)
	}
}

// reserveObject allocates in and its ObjectReader without parsing it, so
// ReadInputFiles can fan the actual Parse calls out across ctx.pool.
func (ctx *Context) reserveObject(backend FormatBackend, f *File, inArchive bool) (*InputFile, error) {
	in := ctx.newInput(f, InputObject, inArchive)

	reader, err := backend.NewObjectReader(ctx, f)
	if err != nil {
		return nil, err
	}
	in.Reader = reader
	return in, nil
}

// pullArchiveMember lazily parses archive member at offset, memoizing the
// result. Unlike ReadInputFiles' bulk object pass, this runs one member at
// a time during resolution, so it parses synchronously rather than going
// through ctx.pool.
func (ctx *Context) pullArchiveMember(backend FormatBackend, idx *ArchiveIndex, offset int) (*InputFile, error) {
	if in, ok := idx.parsed[offset]; ok {
		return in, nil
	}
	for _, m := range idx.Archive.Members {
		if m.Offset != offset {
			continue
		}
		member := &File{Name: idx.File.Name + "(" + m.Name + ")", Contents: m.Contents, Parent: idx.File}
		in, err := ctx.reserveObject(backend, member, false)
		if err != nil {
			return nil, err
		}
		if err := in.Reader.Parse(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", member.Name, err)
		}
		ctx.Objs = append(ctx.Objs, in)
		idx.parsed[offset] = in
		return in, nil
	}
	return nil, fmt.Errorf("archive member at offset %d not found", offset)
}
