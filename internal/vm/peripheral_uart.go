package vm

import "fmt"

// peripheral_uart.go implements a minimal polled UART: a status register
// exposing TX/RX readiness and a data register, the register shape real
// Cortex-M serial blocks reduce to once DMA and shortcuts are stripped away.

const (
	uartRegStatus = 0x00
	uartRegData   = 0x04
	uartRegBaud   = 0x08

	uartWindowSize = 0x0c

	uartStatusTXReady = 1 << 0
	uartStatusRXReady = 1 << 1
)

// UART is a simple transmit/receive byte peripheral: writes to Data are
// delivered to Output immediately (TX is modeled as infinitely fast), and
// bytes pushed with InjectInput become readable through Data once RXReady is set.
type UART struct {
	base   Address
	name   string
	window *Window

	rxPending []byte

	// Output receives every byte written to Data. nil discards output.
	Output func(b byte)
}

// NewUART creates a UART peripheral at base.
func NewUART(base Address, name string) *UART {
	u := &UART{base: base, name: name, window: NewWindow(uartWindowSize)}
	u.window.SetWord(uartRegStatus, uartStatusTXReady)
	u.window.SetWord(uartRegBaud, 115200)

	return u
}

func (u *UART) Base() Address { return u.base }
func (u *UART) Size() uint32  { return uartWindowSize }
func (u *UART) Name() string  { return u.name }

// InjectInput appends bytes to the receive queue, simulating external serial input.
func (u *UART) InjectInput(b []byte) {
	u.rxPending = append(u.rxPending, b...)
	u.updateStatus()
}

func (u *UART) updateStatus() {
	status := u.window.Word(uartRegStatus) &^ uartStatusRXReady
	if len(u.rxPending) > 0 {
		status |= uartStatusRXReady
	}

	u.window.SetWord(uartRegStatus, status)
}

func (u *UART) ReadBytes(offset uint32, dst []byte) ([]PeripheralEvent, error) {
	if offset == uartRegData && len(dst) == 4 {
		var v uint32
		if len(u.rxPending) > 0 {
			v = uint32(u.rxPending[0])
			u.rxPending = u.rxPending[1:]
			u.updateStatus()
		}

		putWord(dst, v)

		return nil, nil
	}

	b, err := u.window.ReadBytes(int(offset), len(dst))
	if err != nil {
		return nil, fmt.Errorf("vm: uart %s: %w", u.name, err)
	}

	copy(dst, b)

	return nil, nil
}

func (u *UART) WriteBytes(offset uint32, src []byte) ([]PeripheralEvent, error) {
	if offset == uartRegData && len(src) == 4 {
		if u.Output != nil {
			u.Output(src[0])
		}

		return nil, nil
	}

	if err := u.window.WriteBytes(int(offset), src); err != nil {
		return nil, fmt.Errorf("vm: uart %s: %w", u.name, err)
	}

	return nil, nil
}

func (u *UART) Tick() []PeripheralEvent { return nil }

func putWord(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}
