package logging

import (
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultBufferSize = 1000

// sink is shared by a logger and every child derived from it.
type sink struct {
	buffer *LogBuffer
	level  atomic.Value

	mu  sync.Mutex
	out io.Writer
}

// Logger records entries into a LogBuffer, writes them as logfmt lines and
// forwards them to the OpenTelemetry log provider. A nil *Logger discards
// everything.
type Logger struct {
	sink   *sink
	fields map[string]string
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if output == nil {
		output = io.Discard
	}
	shared := &sink{buffer: buffer, out: output}
	shared.level.Store(minLevel.orDefault())
	return &Logger{sink: shared}
}

// Discard returns a logger that drops everything below error and writes
// nothing.
func Discard() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(1), LevelError, io.Discard)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.sink.buffer
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sink: l.sink, fields: mergeFields(l.fields, fields)}
}

// Component returns a child logger tagged with the subsystem name.
func (l *Logger) Component(name string) *Logger {
	return l.With(map[string]string{ComponentKey: name})
}

// SetLevel changes the minimum level for l and every logger sharing its
// sink.
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.sink.level.Store(level.orDefault())
}

func (l *Logger) Level() Level {
	if l == nil {
		return LevelInfo
	}
	return l.sink.level.Load().(Level)
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level.AtLeast(l.Level())
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   mergeFields(l.fields, fields),
	}
	l.sink.buffer.Add(entry)
	l.sink.write(formatEntry(entry))
	emitOTel(entry)
}

func (s *sink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.out, line)
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	maps.Copy(merged, base)
	maps.Copy(merged, extra)
	return merged
}

// formatEntry renders one logfmt line ending in a newline. The component
// tag, when present, follows the level so lines from one subsystem line up.
func formatEntry(entry LogEntry) string {
	var line strings.Builder
	line.WriteString("ts=")
	line.WriteString(entry.Timestamp.Format(time.RFC3339Nano))
	line.WriteString(" level=")
	line.WriteString(string(entry.Level))
	if component := entry.Component(); component != "" {
		line.WriteString(" component=")
		line.WriteString(component)
	}
	line.WriteString(" msg=")
	line.WriteString(strconv.Quote(entry.Message))
	for _, key := range slices.Sorted(maps.Keys(entry.Context)) {
		if key == ComponentKey {
			continue
		}
		line.WriteByte(' ')
		line.WriteString(key)
		line.WriteByte('=')
		line.WriteString(strconv.Quote(entry.Context[key]))
	}
	line.WriteByte('\n')
	return line.String()
}
