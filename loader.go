package hypervisor

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// maxImageSize bounds flat images and ELF segments.
const maxImageSize = 256 << 20

func imageErr(format string, args ...any) error {
	return &HVError{Code: ImageLoadFailure, err: fmt.Errorf(format, args...)}
}

// LoadImageFile loads the guest kernel at path into as. See LoadImage.
func LoadImageFile(as GuestAddressSpace, path string, entry uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return imageErr("open guest image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return imageErr("stat guest image: %w", err)
	}
	return LoadImage(as, f, fi.Size(), entry)
}

// LoadImage copies a guest kernel into guest-physical memory. An RV64 ELF
// file has its PT_LOAD segments placed at their physical addresses and must
// name entry as its entry point; anything else is treated as a flat binary
// loaded at entry.
func LoadImage(as GuestAddressSpace, r io.ReaderAt, size int64, entry uint64) error {
	if size <= 0 {
		return imageErr("guest image is empty")
	}
	if size > maxImageSize {
		return imageErr("guest image is %d bytes (max %d)", size, maxImageSize)
	}

	magic := make([]byte, len(elf.ELFMAG))
	if _, err := r.ReadAt(magic, 0); err == nil && bytes.Equal(magic, []byte(elf.ELFMAG)) {
		return loadELF(as, r, entry)
	}
	return loadFlat(as, r, size, entry)
}

func loadFlat(as GuestAddressSpace, r io.ReaderAt, size int64, entry uint64) error {
	data := make([]byte, size)
	if _, err := r.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return imageErr("read guest image: %w", err)
	}
	if entry > math.MaxInt64 {
		return imageErr("entry 0x%x out of range", entry)
	}
	if _, err := as.WriteAt(data, int64(entry)); err != nil {
		return imageErr("copy %d bytes to 0x%x: %w", size, entry, err)
	}
	return nil
}

func loadELF(as GuestAddressSpace, r io.ReaderAt, entry uint64) error {
	f, err := elf.NewFile(r)
	if err != nil {
		return imageErr("open elf image: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV || f.Class != elf.ELFCLASS64 {
		return imageErr("unsupported ELF image %v/%v (want RISCV/ELFCLASS64)", f.Machine, f.Class)
	}
	if f.Entry != entry {
		return imageErr("ELF entry 0x%x does not match guest entry 0x%x", f.Entry, entry)
	}

	loaded := 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return imageErr("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Memsz > maxImageSize || prog.Paddr > math.MaxInt64-prog.Memsz {
			return imageErr("ELF segment @%#x size %#x out of range", prog.Paddr, prog.Memsz)
		}
		data := make([]byte, prog.Memsz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data[:prog.Filesz], 0); err != nil && !errors.Is(err, io.EOF) {
				return imageErr("read ELF segment @%#x: %w", prog.Off, err)
			}
		}
		if _, err := as.WriteAt(data, int64(prog.Paddr)); err != nil {
			return imageErr("copy ELF segment to %#x: %w", prog.Paddr, err)
		}
		loaded++
	}
	if loaded == 0 {
		return imageErr("ELF image has no loadable segments")
	}
	return nil
}
