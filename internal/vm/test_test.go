package vm

import (
	"testing"

	"github.com/brindle/cortexm/internal/log"
)

func NewTestHarness(t *testing.T) *testHarness {
	t.Parallel()
	th := &testHarness{T: t}

	return th
}

type testHarness struct {
	*testing.T
}

// Make builds a Backend with a single 4 KiB page of memory mapped at zero,
// the smallest machine the scenarios need.
func (t *testHarness) Make() *Backend {
	b := New(WithLogger(t.Logger()))

	if err := b.MapMem(0x0000, 0x1000); err != nil {
		t.Fatal(err)
	}

	return b
}

func (t *testHarness) Logger() *log.Logger {
	return log.NewFormattedLogger(t)
}

func (t *testHarness) Write(b []byte) (n int, err error) {
	t.Helper()

	if len(b) > 0 && b[len(b)-1] == '\n' {
		t.Log(string(b[:len(b)-1]))
	} else {
		t.Log(string(b))
	}

	return len(b), nil
}

// drainEvents pops every queued event for inspection without applying it.
func drainEvents(b *Backend) []Event {
	var out []Event

	for {
		e, ok := b.events.Pop()
		if !ok {
			return out
		}

		out = append(out, e)
	}
}
