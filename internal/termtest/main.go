// Termtest is a testing tool for Unix terminal I/O. Lacking simple PTY support, running this tool
// manually is easier than writing automated tests.
package main

import (
	"context"
	"os"
	"time"

	"github.com/brindle/cortexm/internal/log"
	"github.com/brindle/cortexm/internal/tty"
	"github.com/brindle/cortexm/internal/vm"
)

var logger = log.DefaultLogger()

func main() {
	var (
		ctx  = context.Background()
		uart = vm.NewUART(0x40001000, "uart0")
	)

	ctx, _, cancel := tty.ConsoleContext(ctx, uart)
	defer cancel()

	poll := time.Tick(100 * time.Millisecond)
	timeout := time.After(5 * time.Second)

	select {
	case <-ctx.Done():
		logger.Debug("cause", context.Cause(ctx))
	default:
	}

	logger.Info("Polling UART. Type keys.")

	if _, err := uart.WriteBytes(0x04, []byte{'\n', 0, 0, 0}); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	for {
		select {
		case <-poll:
			status := make([]byte, 4)
			if _, err := uart.ReadBytes(0x00, status); err != nil {
				logger.Error(err.Error())
				os.Exit(1)
			}

			if status[0]&0x02 == 0 { // nothing received
				continue
			}

			data := make([]byte, 4)
			if _, err := uart.ReadBytes(0x04, data); err != nil {
				logger.Error(err.Error())
				os.Exit(1)
			}

			// echo
			if _, err := uart.WriteBytes(0x04, data); err != nil {
				logger.Error(err.Error())
				os.Exit(1)
			}
		case <-timeout:
			cancel()
			return
		case <-ctx.Done():
			if ctx.Err() != nil {
				cause := context.Cause(ctx)
				logger.Error(cause.Error())
			} else {
				logger.Info("Done")
			}

			return
		}
	}
}
