package vm

import (
	"github.com/brindle/cortexm/internal/log"
)

// Local aliases so the rest of the package can build slog attributes without
// importing internal/log everywhere; domain types implement slog.LogValuer
// directly through these.
type (
	Value  = log.Value
	Attr   = log.Attr
	Logger = log.Logger
)

var (
	GroupValue = log.GroupValue
	Group      = log.Group
	String     = log.String
	Any        = log.Any
)

func Uint32(key string, v uint32) Attr {
	return log.Hex32(key, v)
}

func defaultLogger() *Logger {
	return log.DefaultLogger()
}
