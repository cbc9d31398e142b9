// Package diag is the engine's external diagnostics-sink collaborator
// (spec §6): inform(message, level, with_time?) plus a scoped Cluster
// acquisition that emits a hierarchical trace. The engine never depends on
// its output being persisted or even read.
//
// The shape follows the teacher's pk.Output: a small value threaded through
// context.Context, with plain Printf-style helpers rather than a logging
// library, colored with github.com/fatih/color the way the teacher's CLI
// layer does.
package diag

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level is one of the five diagnostic severities named in spec §6.
type Level int

const (
	Debug    Level = 10
	Info     Level = 20
	Warning  Level = 30
	Error    Level = 40
	Critical Level = 50
)

// String renders the level the way it appears in a trace line.
func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

func (l Level) color() *color.Color {
	switch l {
	case Debug:
		return color.New(color.FgHiBlack)
	case Info:
		return color.New(color.FgCyan)
	case Warning:
		return color.New(color.FgYellow)
	case Error:
		return color.New(color.FgRed)
	case Critical:
		return color.New(color.FgHiRed, color.Bold)
	default:
		return color.New()
	}
}

// Sink is the concrete diagnostics collaborator: a writer, a minimum level
// below which lines are dropped, and the current nesting depth used to
// indent a Cluster's hierarchical trace.
type Sink struct {
	mu       sync.Mutex
	w        io.Writer
	minLevel Level
	depth    int
}

// NewSink returns a Sink writing to w, dropping lines below minLevel.
func NewSink(w io.Writer, minLevel Level) *Sink {
	return &Sink{w: w, minLevel: minLevel}
}

// StdSink returns a Sink writing to os.Stderr at Info level, the default
// used when no Sink has been installed in a context.
func StdSink() *Sink {
	return NewSink(os.Stderr, Info)
}

// Inform emits one diagnostic line if level is at or above the sink's
// configured minimum. When withTime is set the line is prefixed with a
// timestamp, matching inform(message, level, with_time?) from spec §6.
func (s *Sink) Inform(level Level, withTime bool, format string, a ...any) {
	if s == nil || level < s.minLevel {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	indent := ""
	for i := 0; i < s.depth; i++ {
		indent += "  "
	}
	prefix := indent + "[" + level.String() + "] "
	if withTime {
		prefix = time.Now().Format("15:04:05.000") + " " + prefix
	}
	line := prefix + fmt.Sprintf(format, a...)
	c := level.color()
	_, _ = c.Fprintln(s.w, line)
}

// enter and leave implement the indentation bump a Cluster applies for its
// lifetime; unexported since only Cluster drives them.
func (s *Sink) enter() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.depth++
	s.mu.Unlock()
}

func (s *Sink) leave() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.depth > 0 {
		s.depth--
	}
	s.mu.Unlock()
}

type sinkKey struct{}

// WithSink returns a context carrying sink, overriding any ancestor's.
func WithSink(ctx context.Context, sink *Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// FromContext returns the Sink installed in ctx, or StdSink() if none was
// installed — mirroring the teacher's outputFromContext fallback.
func FromContext(ctx context.Context) *Sink {
	if s, ok := ctx.Value(sinkKey{}).(*Sink); ok && s != nil {
		return s
	}
	return StdSink()
}

// Inform is the context-threaded convenience form of Sink.Inform, the one
// most callers reach for.
func Inform(ctx context.Context, level Level, withTime bool, format string, a ...any) {
	FromContext(ctx).Inform(level, withTime, format, a...)
}

// Cluster is a scoped diagnostics acquisition: it emits a start line, bumps
// the sink's indentation for every line emitted during its lifetime, and,
// only when isProgress is set, emits a completion line with the elapsed
// time on Close. It is the Go analogue of spec §6's Cluster(message, level,
// is_progress?, with_time?).
type Cluster struct {
	sink       *Sink
	level      Level
	message    string
	isProgress bool
	withTime   bool
	start      time.Time
}

// NewCluster opens a Cluster against the Sink installed in ctx and emits its
// start line immediately.
func NewCluster(ctx context.Context, message string, level Level, isProgress, withTime bool) *Cluster {
	sink := FromContext(ctx)
	sink.Inform(level, withTime, "%s", message)
	sink.enter()
	return &Cluster{
		sink:       sink,
		level:      level,
		message:    message,
		isProgress: isProgress,
		withTime:   withTime,
		start:      time.Now(),
	}
}

// Close emits the Cluster's completion line and restores the sink's
// indentation. Safe to call once; a Cluster is typically deferred.
func (c *Cluster) Close() {
	if c == nil {
		return
	}
	c.sink.leave()
	if c.isProgress {
		c.sink.Inform(c.level, c.withTime, "%s done (%s)", c.message, time.Since(c.start).Round(time.Millisecond))
	}
}
