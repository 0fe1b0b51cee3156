package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New builds the process logger. Entries go to stdout and, when File is set,
// to a size-rotated file. The returned closer flushes and closes the file.
func New(opts Options) (*zap.Logger, io.Closer, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if opts.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.Lock(zapcore.AddSync(os.Stdout))
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		maxSize := int64(opts.MaxSizeMB) * 1024 * 1024
		if maxSize <= 0 {
			maxSize = 50 * 1024 * 1024
		}
		file, err := OpenRotatingFile(opts.File, RotateOptions{MaxSizeBytes: maxSize, MaxBackups: opts.MaxBackups})
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.NewMultiWriteSyncer(sink, file)
		closer = file
	}

	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(level))
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, closer, nil
}

// StdLogger adapts logger for libraries that expect a *log.Logger, such as
// chi's request logger.
func StdLogger(logger *zap.Logger) *log.Logger {
	return zap.NewStdLog(logger)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
