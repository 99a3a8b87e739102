package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/exp/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

func Logger(w io.Writer, lvl slog.Level) log.Logger {
	return log.NewLogger(log.LogfmtHandlerWithLevel(w, lvl))
}

// ParseLevel maps a --log.level value to a logger level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info", "":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// LoggingWriter is a simple util to wrap a logger,
// and expose an io Writer interface,
// for the program running within the VM to write to.
type LoggingWriter struct {
	Name string
	Log  log.Logger
}

func logAsText(b string) bool {
	for _, c := range b {
		if (c < 0x20 || c >= 0x7F) && (c != '\n' && c != '\t') {
			return false
		}
	}
	return true
}

func (lw *LoggingWriter) Write(b []byte) (int, error) {
	t := string(b)
	if logAsText(t) {
		lw.Log.Info("", "stream", lw.Name, "text", t)
	} else {
		lw.Log.Info("", "stream", lw.Name, "data", hexutil.Bytes(b))
	}
	return len(b), nil
}

// HexU64 to lazy-format integer attributes for logging
type HexU64 uint64

func (v HexU64) String() string {
	return fmt.Sprintf("%016x", uint64(v))
}

func (v HexU64) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *HexU64) UnmarshalText(text []byte) error {
	x, err := strconv.ParseUint(strings.TrimPrefix(string(text), "0x"), 16, 64)
	if err != nil {
		return err
	}
	*v = HexU64(x)
	return nil
}
