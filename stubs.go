//go:build !linux || !riscv64

package hypervisor

import "fmt"

// Supported returns false on hosts that are not RISC-V Linux. Guests can
// still run on a software hart.
func Supported() (bool, error) {
	return false, fmt.Errorf("hypervisor: not supported on this platform")
}
