package encoding

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/brindle/cortexm/internal/vm"
)

// elf.go loads linked firmware images. Unlike the hex codec, there is
// nothing to marshal: the emulator only ever consumes ELF files produced by
// a cross toolchain.

// LoadELF reads the loadable segments of an ELF firmware image. Segments are
// placed at their physical addresses, which is where a flash programmer
// would put them; BSS-style tails (Memsz > Filesz) are zero-filled.
func LoadELF(r io.ReaderAt) (vm.Image, error) {
	var image vm.Image

	f, err := elf.NewFile(r)
	if err != nil {
		return image, fmt.Errorf("%w: %s", ErrDecode, err.Error())
	}
	defer f.Close()

	if f.Machine != elf.EM_ARM {
		return image, fmt.Errorf("%w: not an ARM image: machine %v", ErrDecode, f.Machine)
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}

		data := make([]byte, p.Memsz)
		if p.Filesz > 0 {
			if _, err := io.ReadFull(io.NewSectionReader(p, 0, int64(p.Filesz)), data[:p.Filesz]); err != nil {
				return image, fmt.Errorf("%w: segment at %#x: %s", ErrDecode, p.Paddr, err.Error())
			}
		}

		image.Segments = append(image.Segments, vm.ImageSegment{
			Base: vm.Address(p.Paddr),
			Data: data,
		})
	}

	if len(image.Segments) == 0 {
		return image, errEmpty
	}

	return image, nil
}
