// Package logging provides the worker's process-wide structured logger: one
// JSON object per line with exactly the keys {message, requestID, level}.
//
// The wire format is custom (narrower than zap's default encoder). Records
// are rendered by a zapcore.Encoder and written to a zapcore.WriteSyncer; no
// zapcore.Core is built — Logger does its own level gating and serializes
// writes with its own mutex. lineEncoder embeds zapcore.MapObjectEncoder so the large Add*/OpenNamespace
// surface required by the zapcore.Encoder interface comes for free; only
// EncodeEntry and Clone are written by hand.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// MaxLogLength is the truncation threshold: messages longer than this are
// cut down to a 2048-head + marker + 2048-tail shape.
const MaxLogLength = 4096

// Level mirrors the Python source's level handling: it accepts either a
// level name ("INFO", "WARN", ...) or a numeric level, degrading unknown
// values to INFO with a stderr notice rather than failing.
type Level = zapcore.Level

const (
	Debug    = zapcore.DebugLevel
	Info     = zapcore.InfoLevel
	Warn     = zapcore.WarnLevel
	Error    = zapcore.ErrorLevel
	Critical = zapcore.FatalLevel
)

var nameToLevel = map[string]Level{
	"CRITICAL": Critical,
	"FATAL":    Critical,
	"ERROR":    Error,
	"WARN":     Warn,
	"WARNING":  Warn,
	"INFO":     Info,
	"DEBUG":    Debug,
}

// numberToLevel maps the Python logging module's numeric levels.
var numberToLevel = map[int]Level{
	50: Critical,
	40: Error,
	30: Warn,
	20: Info,
	10: Debug,
}

// ParseLevel parses a level name or a numeric level (10, 20, 30, 40, 50),
// falling back to Info and printing a notice to stderr on anything
// unrecognized — matching the Python source's _valid_log_level, which never
// errors, only degrades.
func ParseLevel(raw string) Level {
	name := strings.ToUpper(strings.TrimSpace(raw))
	if lvl, ok := nameToLevel[name]; ok {
		return lvl
	}
	if n, err := strconv.Atoi(name); err == nil {
		if lvl, ok := numberToLevel[n]; ok {
			return lvl
		}
	}
	fmt.Fprintf(os.Stderr, "invalid log level %q, use default INFO\n", raw)
	return Info
}

// lineEncoder renders each entry as {"message":...,"requestID":...,"level":...}
// with no other top-level keys, and no timestamp — the spec's wire format is
// deliberately narrow.
type lineEncoder struct {
	*zapcore.MapObjectEncoder
}

func newLineEncoder() *lineEncoder {
	return &lineEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder()}
}

func (e *lineEncoder) Clone() zapcore.Encoder {
	clone := newLineEncoder()
	for k, v := range e.MapObjectEncoder.Fields {
		clone.MapObjectEncoder.Fields[k] = v
	}
	return clone
}

func (e *lineEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	for _, f := range fields {
		f.AddTo(e.MapObjectEncoder)
	}

	requestID, _ := e.Fields[requestIDKey].(string)

	line := buffer.NewPool().Get()
	line.AppendByte('{')
	line.AppendString(`"message":`)
	appendJSONString(line, entry.Message)
	line.AppendString(`,"requestID":`)
	appendJSONString(line, requestID)
	line.AppendString(`,"level":`)
	appendJSONString(line, entry.Level.CapitalString())
	line.AppendByte('}')
	line.AppendByte('\n')

	if stack, ok := e.Fields[stackKey].(string); ok && stack != "" {
		line.AppendString(stack)
		if !strings.HasSuffix(stack, "\n") {
			line.AppendByte('\n')
		}
	}
	return line, nil
}

// appendJSONString writes s as a JSON string literal without pulling in
// encoding/json for a single scalar — zapcore's own buffer already exposes
// AppendByte/AppendString, so this stays a thin escaping pass.
func appendJSONString(buf *buffer.Buffer, s string) {
	buf.AppendByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.AppendString(`\"`)
		case '\\':
			buf.AppendString(`\\`)
		case '\n':
			buf.AppendString(`\n`)
		case '\r':
			buf.AppendString(`\r`)
		case '\t':
			buf.AppendString(`\t`)
		default:
			if r < 0x20 {
				buf.AppendString(`\u`)
				buf.AppendString(fmt.Sprintf("%04x", r))
			} else {
				buf.AppendString(string(r))
			}
		}
	}
	buf.AppendByte('"')
}

const (
	requestIDKey = "requestID"
	stackKey     = "stack"
)

// Logger is the process-wide singleton described in §4.2. Writes are
// serialized through a mutex-guarded zapcore.WriteSyncer so concurrent
// per-task goroutines never interleave within a single record.
type Logger struct {
	mu    sync.Mutex
	out   zapcore.WriteSyncer
	level *zapAtomicLevel
}

// zapAtomicLevel is a tiny indirection so SetLevel can be changed at runtime
// without reconstructing the core, mirroring Logger.set_level in log.py.
type zapAtomicLevel struct {
	mu  sync.RWMutex
	lvl Level
}

func (a *zapAtomicLevel) get() Level {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lvl
}

func (a *zapAtomicLevel) set(l Level) {
	a.mu.Lock()
	a.lvl = l
	a.mu.Unlock()
}

// New creates a Logger writing to w at the given initial level.
func New(w zapcore.WriteSyncer, level Level) *Logger {
	return &Logger{out: w, level: &zapAtomicLevel{lvl: level}}
}

// std is the process-wide singleton, analogous to the Python module's
// `logger = Logger()`.
var std = New(zapcore.Lock(zapcore.AddSync(os.Stdout)), ParseLevel(defaultLevelEnv()))

func defaultLevelEnv() string {
	if v := os.Getenv("EASE_LOG_LEVEL"); v != "" {
		return v
	}
	return "INFO"
}

// Default returns the process-wide Logger singleton.
func Default() *Logger { return std }

// SetLevel changes the minimum level the singleton emits.
func (l *Logger) SetLevel(level Level) {
	fmt.Fprintf(os.Stderr, "log level set to %s\n", level.CapitalString())
	l.level.set(level)
}

// Option configures a single log call. Go has no keyword arguments, so the
// Python source's caller=/exc_info= flags become functional options.
type Option func(*callOpts)

type callOpts struct {
	requestID string
	caller    bool
	stack     bool
}

// WithRequestID attaches a request id to the emitted record.
func WithRequestID(id string) Option {
	return func(o *callOpts) { o.requestID = id }
}

// WithCaller prefixes the message with "[file:line] ", resolved from the
// caller of the logging method (skipping this package's own frames).
func WithCaller() Option {
	return func(o *callOpts) { o.caller = true }
}

// WithStack appends the current goroutine's stack trace on the line
// following the JSON record, mirroring exc_info=True in the Python source.
func WithStack() Option {
	return func(o *callOpts) { o.stack = true }
}

func (l *Logger) log(level Level, msg string, opts ...Option) {
	if level < l.level.get() {
		return
	}
	var c callOpts
	for _, o := range opts {
		o(&c)
	}
	if c.caller {
		msg = prefixCaller(msg)
	}
	msg = truncate(msg)

	enc := newLineEncoder()
	entry := zapcore.Entry{Message: msg, Level: level}
	var fields []zapcore.Field
	if c.requestID != "" {
		fields = append(fields, zapString(requestIDKey, c.requestID))
	}
	if c.stack {
		fields = append(fields, zapString(stackKey, string(debug.Stack())))
	}
	buf, _ := enc.EncodeEntry(entry, fields)
	defer buf.Free()

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(buf.Bytes())
}

func zapString(key, val string) zapcore.Field {
	return zapcore.Field{Key: key, Type: zapcore.StringType, String: val}
}

// prefixCaller resolves the first call site outside this file (skipping the
// Logger method and, for package-level calls, the wrapper function) and
// prefixes "[basename:line] ", matching the Python source's
// findCaller(stacklevel=3) behaviour.
func prefixCaller(msg string) string {
	_, self, _, _ := runtime.Caller(0)
	for skip := 2; ; skip++ {
		_, file, line, ok := runtime.Caller(skip)
		if !ok {
			return msg
		}
		if file != self {
			return "[" + filepath.Base(file) + ":" + strconv.Itoa(line) + "] " + msg
		}
	}
}

func truncate(msg string) string {
	if len(msg) <= MaxLogLength {
		return msg
	}
	half := MaxLogLength / 2
	truncated := len(msg) - MaxLogLength
	return msg[:half] + fmt.Sprintf("\n... EXCEED MAX LOG LENGTH, TRUNCATED %d CHARACTERS...\n", truncated) + msg[len(msg)-half:]
}

func (l *Logger) Critical(msg string, opts ...Option) { l.log(Critical, msg, opts...) }
func (l *Logger) Error(msg string, opts ...Option)    { l.log(Error, msg, opts...) }
func (l *Logger) Warn(msg string, opts ...Option)     { l.log(Warn, msg, opts...) }
func (l *Logger) Info(msg string, opts ...Option)     { l.log(Info, msg, opts...) }
func (l *Logger) Debug(msg string, opts ...Option)    { l.log(Debug, msg, opts...) }

// package-level convenience wrappers over the singleton, used throughout the
// worker loop the same way the Python source imports a bare `logger`.
func Critical(msg string, opts ...Option) { std.Critical(msg, opts...) }
func Error(msg string, opts ...Option)    { std.Error(msg, opts...) }
func Warn(msg string, opts ...Option)     { std.Warn(msg, opts...) }
func Info(msg string, opts ...Option)     { std.Info(msg, opts...) }
func Debug(msg string, opts ...Option)    { std.Debug(msg, opts...) }

// SetLevel changes the singleton's minimum emitted level.
func SetLevel(level Level) { std.SetLevel(level) }
