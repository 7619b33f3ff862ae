package hypervisor

import "strings"

// isaHasHypervisor parses an ISA string such as "rv64imafdch_zicsr" and
// reports whether the single-letter H extension is present.
func isaHasHypervisor(isa string) bool {
	isa = strings.ToLower(isa)
	if !strings.HasPrefix(isa, "rv64") && !strings.HasPrefix(isa, "rv32") {
		return false
	}
	base, _, _ := strings.Cut(isa[4:], "_")
	return strings.ContainsRune(base, 'h')
}
