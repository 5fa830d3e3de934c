package linker

import "strings"

// elfPrefixes collapses numbered subsection names (`.text.foo`) to their
// stem (`.text`), covering the per-function `.text.*` COMDAT-style
// sections x86-64/aarch64 objects emit under -ffunction-sections.
var elfPrefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.",
	".ctors.", ".dtors.",
}

// machoConstSynonym collapses __DATA,__const into __DATA_CONST,__const.
func machoConstSynonym(seg, sect string) (string, string) {
	if seg == "__DATA" && sect == "__const" {
		return "__DATA_CONST", sect
	}
	return seg, sect
}

// CanonicalizeSectionName applies the synonym-collapsing mapping function,
// keyed on (input_segment, input_section, flags). ELF has no segment
// concept on input, so segName is empty for that format.
func CanonicalizeSectionName(format Format, segName, name string, flags uint64) (string, string) {
	switch format {
	case FormatMachO:
		return machoConstSynonym(segName, name)
	case FormatELF:
		if name == ".rodata" || strings.HasPrefix(name, ".rodata.") {
			if flags&elfSHFMerge != 0 {
				if flags&elfSHFStrings != 0 {
					return ".rodata.str", ""
				}
				return ".rodata.cst", ""
			}
		}
		for _, prefix := range elfPrefixes {
			stem := prefix[:len(prefix)-1]
			if name == stem || strings.HasPrefix(name, prefix) {
				return stem, ""
			}
		}
		return name, ""
	default: // Wasm: no output-section grouping
		return name, ""
	}
}

// ELF section-flag bits used above, kept local to avoid importing
// debug/elf into the shared engine package (pkg/format/elf owns the real
// debug/elf-backed parsing; the shared resolver/atom engine stays
// format-library-free so it compiles the same way for every backend).
const (
	elfSHFMerge   uint64 = 0x10
	elfSHFStrings uint64 = 0x20
)
