package cmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/brindle/cortexm/internal/cli"
	"github.com/brindle/cortexm/internal/encoding"
	"github.com/brindle/cortexm/internal/log"
	"github.com/brindle/cortexm/internal/vm"
)

// Inspect is a command that loads a firmware image and reports the machine
// state it would boot with, without executing anything.
func Inspect() cli.Command {
	return &inspect{}
}

type inspect struct {
	format string
	flash  uint
}

func (inspect) Description() string {
	return "load a firmware image and print backend state"
}

func (inspect) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `inspect [ -format bin|hex|elf ] [ -flash size ] image

Loads a firmware image into a fresh machine and prints its memory layout,
initial stack pointer and entry point, and the architectural vector table.`)

	return err
}

func (in *inspect) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.StringVar(&in.format, "format", "", "image `format`: bin, hex or elf (default: detect)")
	fs.UintVar(&in.flash, "flash", 0x100000, "flash region `size` mapped at address 0")

	return fs
}

func (in *inspect) Run(_ context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) != 1 {
		logger.Error("inspect: expected exactly one image argument")
		return 1
	}

	image, err := in.loadImage(args[0])
	if err != nil {
		logger.Error("Error loading image", "err", err)
		return 1
	}

	machine := vm.New(vm.WithLogger(logger))

	if err := machine.MapMem(0, uint32(in.flash)); err != nil {
		logger.Error("Error mapping flash", "err", err)
		return 1
	}

	if err := machine.LoadImage(image); err != nil {
		logger.Error("Error loading segments", "err", err)
		return 1
	}

	if err := machine.Reset(); err != nil {
		logger.Error("Error resetting machine", "err", err)
		return 1
	}

	fmt.Fprintf(out, "image: %s\n", args[0])

	for _, seg := range image.Segments {
		fmt.Fprintf(out, "segment: %s + %#x bytes\n", seg.Base, len(seg.Data))
	}

	fmt.Fprintf(out, "initial SP: %#08x\n", machine.ReadSP())
	fmt.Fprintf(out, "entry PC:   %s\n", machine.ReadPC())

	for typ := vm.ExceptionType(1); typ <= vm.ExceptionSysTick; typ++ {
		if typ.Reserved() {
			continue
		}

		entry, err := machine.LoadBytes(vm.Address(machine.VTOR()+typ.Offset()), 4)
		if err != nil {
			continue
		}

		fmt.Fprintf(out, "vector %-12s %#08x\n", typ, binary.LittleEndian.Uint32(entry))
	}

	return 0
}

// loadImage reads and decodes the firmware file: ELF by magic, Intel Hex by
// leading ':', raw binary at address zero otherwise. The -format flag
// overrides detection.
func (in *inspect) loadImage(fn string) (vm.Image, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return vm.Image{}, err
	}

	format := in.format
	if format == "" {
		switch {
		case bytes.HasPrefix(data, []byte("\x7fELF")):
			format = "elf"
		case bytes.HasPrefix(data, []byte(":")):
			format = "hex"
		default:
			format = "bin"
		}
	}

	switch format {
	case "elf":
		return encoding.LoadELF(bytes.NewReader(data))
	case "hex":
		var dec encoding.HexEncoding
		if err := dec.UnmarshalText(data); err != nil {
			return vm.Image{}, err
		}

		return dec.Image(), nil
	case "bin":
		return vm.Image{Segments: []vm.ImageSegment{{Base: 0, Data: data}}}, nil
	default:
		return vm.Image{}, fmt.Errorf("unknown image format %q", format)
	}
}
