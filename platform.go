//go:build linux && riscv64

package hypervisor

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Supported reports whether the host hart implements the H extension.
func Supported() (bool, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false, err
	}
	if machine := unix.ByteSliceToString(uts.Machine[:]); machine != "riscv64" {
		return false, fmt.Errorf("hypervisor: unexpected machine %q", machine)
	}

	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "isa" {
			continue
		}
		return isaHasHypervisor(strings.TrimSpace(val)), nil
	}
	if err := sc.Err(); err != nil {
		return false, err
	}
	return false, nil
}
