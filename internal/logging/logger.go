// Package logging provides structured logging for the go-uio project
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with uio-specific structured fields
type Logger struct {
	zlog   zerolog.Logger
	device string
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter keeps log writes off the interrupt path. Messages are dropped
// when the buffer is full.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	// p is reused by zerolog after Write returns
	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var output io.Writer = config.Output
	if output == nil {
		output = os.Stderr
	}
	if !config.Sync {
		output = newAsyncWriter(output, 1000)
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	zlog = zlog.Level(zerolog.Level(config.Level))

	return &Logger{
		zlog: zlog,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// Device returns the device path attached with WithDevice, if any
func (l *Logger) Device() string {
	return l.device
}

// WithDevice returns a logger with device path context
func (l *Logger) WithDevice(path string) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("device", path).Logger(),
		device: path,
	}
}

// WithRegister returns a logger with register offset context
func (l *Logger) WithRegister(offset uint32) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("offset", fmt.Sprintf("0x%x", offset)).Logger(),
		device: l.device,
	}
}

// WithIRQ returns a logger with interrupt sequence context
func (l *Logger) WithIRQ(seq uint32) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Uint32("seq", seq).Logger(),
		device: l.device,
	}
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Err(err).Logger(),
		device: l.device,
	}
}

func (l *Logger) emit(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}

// Standard logging methods
func (l *Logger) Debug(msg string, args ...any) {
	l.emit(l.zlog.Debug(), msg, args)
}

func (l *Logger) Info(msg string, args ...any) {
	l.emit(l.zlog.Info(), msg, args)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.emit(l.zlog.Warn(), msg, args)
}

func (l *Logger) Error(msg string, args ...any) {
	l.emit(l.zlog.Error(), msg, args)
}

// Context-aware logging. A done context adds its cause as the ctx field.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.emit(withCause(ctx, l.zlog.Debug()), msg, args)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.emit(withCause(ctx, l.zlog.Info()), msg, args)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.emit(withCause(ctx, l.zlog.Warn()), msg, args)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.emit(withCause(ctx, l.zlog.Error()), msg, args)
}

func withCause(ctx context.Context, event *zerolog.Event) *zerolog.Event {
	if ctx == nil || ctx.Err() == nil {
		return event
	}
	return event.Str("ctx", context.Cause(ctx).Error())
}

// Lifecycle logging

func (l *Logger) LifecycleStart(op string) {
	l.zlog.Debug().Str("operation", op).Msg("device operation starting")
}

func (l *Logger) LifecycleSuccess(op string) {
	l.zlog.Info().Str("operation", op).Msg("device operation succeeded")
}

func (l *Logger) LifecycleError(op string, err error) {
	l.zlog.Error().Str("operation", op).Err(err).Msg("device operation failed")
}

// Register and interrupt logging

// RegisterAccess logs a register read or write at debug level
func (l *Logger) RegisterAccess(op string, offset, value uint32) {
	l.zlog.Debug().
		Str("op", op).
		Str("offset", fmt.Sprintf("0x%x", offset)).
		Str("value", fmt.Sprintf("0x%08x", value)).
		Msg("register access")
}

func (l *Logger) IRQDelivered(seq uint32, latencyUs int64) {
	l.zlog.Debug().Uint32("seq", seq).Int64("latency_us", latencyUs).Msg("interrupt delivered")
}

func (l *Logger) IRQTimedOut(timeoutMs int64) {
	l.zlog.Debug().Int64("timeout_ms", timeoutMs).Msg("interrupt wait timed out")
}

func (l *Logger) IRQFailed(err error) {
	l.zlog.Error().Err(err).Msg("interrupt wait failed")
}
