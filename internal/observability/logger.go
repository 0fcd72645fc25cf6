// Package observability provides logging for CLI commands and the status
// server.
//
// CLILogger is a package-level zap logger so commands can log without
// threading a logger through every call. It defaults to a console logger at
// info level; InitCLILogger reconfigures it from CLI flags.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger for command output.
var CLILogger = newLogger("info", false)

// InitCLILogger reconfigures the package logger. level is a zap level name
// ("debug", "info", "warn", "error"); unknown names fall back to info.
// jsonFormat switches from console to JSON encoding.
func InitCLILogger(level string, jsonFormat bool) {
	CLILogger = newLogger(level, jsonFormat)
}

// Sync flushes buffered log entries. Safe to call on exit; stderr sync
// errors are ignored.
func Sync() {
	_ = CLILogger.Sync()
}

func newLogger(level string, jsonFormat bool) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core)
}
