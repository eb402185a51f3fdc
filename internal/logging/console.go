package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/isseis/go-patch-engine/internal/color"
	"github.com/isseis/go-patch-engine/internal/terminal"
)

// Console handler errors
var (
	ErrWriterRequired       = errors.New("logging: writer is required")
	ErrCapabilitiesRequired = errors.New("logging: capabilities are required")
)

// ConditionalTextHandler writes slog text lines when the console is not
// interactive, e.g. when stderr is piped or running under CI.
type ConditionalTextHandler struct {
	capabilities terminal.Capabilities
	text         slog.Handler
}

// NewConditionalTextHandler returns a text handler writing to w.
func NewConditionalTextHandler(w io.Writer, caps terminal.Capabilities, opts *slog.HandlerOptions) (*ConditionalTextHandler, error) {
	if w == nil {
		return nil, ErrWriterRequired
	}
	if caps == nil {
		return nil, ErrCapabilitiesRequired
	}
	return &ConditionalTextHandler{capabilities: caps, text: slog.NewTextHandler(w, opts)}, nil
}

func (h *ConditionalTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.capabilities.IsInteractive() && h.text.Enabled(ctx, level)
}

func (h *ConditionalTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.capabilities.IsInteractive() {
		return nil
	}
	return h.text.Handle(ctx, r)
}

func (h *ConditionalTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ConditionalTextHandler{capabilities: h.capabilities, text: h.text.WithAttrs(attrs)}
}

func (h *ConditionalTextHandler) WithGroup(name string) slog.Handler {
	return &ConditionalTextHandler{capabilities: h.capabilities, text: h.text.WithGroup(name)}
}

// InteractiveHandler writes compact, optionally colored lines for a person
// at a terminal:
//
//	INFO  translated block addr=0x401000 instructions=5
//
// Error records are followed by a pointer into the JSON log file when one
// is attached.
type InteractiveHandler struct {
	capabilities terminal.Capabilities
	level        slog.Leveler
	logFile      *LogFile

	mu     *sync.Mutex
	w      io.Writer
	attrs  []slog.Attr
	prefix string
}

// InteractiveOptions configures an InteractiveHandler.
type InteractiveOptions struct {
	Level   slog.Leveler
	LogFile *LogFile
}

// NewInteractiveHandler returns a handler writing to w.
func NewInteractiveHandler(w io.Writer, caps terminal.Capabilities, opts InteractiveOptions) (*InteractiveHandler, error) {
	if w == nil {
		return nil, ErrWriterRequired
	}
	if caps == nil {
		return nil, ErrCapabilitiesRequired
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	return &InteractiveHandler{
		capabilities: caps,
		level:        level,
		logFile:      opts.LogFile,
		mu:           &sync.Mutex{},
		w:            w,
	}, nil
}

func (h *InteractiveHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.capabilities.IsInteractive() && level >= h.level.Level()
}

func (h *InteractiveHandler) Handle(_ context.Context, r slog.Record) error {
	if !h.capabilities.IsInteractive() {
		return nil
	}
	useColor := h.capabilities.SupportsColor()

	var sb strings.Builder
	sb.WriteString(color.If(useColor, color.ForLevel(r.Level))(fmt.Sprintf("%-5s", r.Level.String())))
	sb.WriteByte(' ')
	sb.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&sb, "", a, useColor)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.prefix, a, useColor)
		return true
	})
	sb.WriteByte('\n')
	if r.Level >= slog.LevelError && h.logFile != nil {
		hint := fmt.Sprintf("  see %s:%d\n", h.logFile.Path(), h.logFile.Lines()+1)
		sb.WriteString(color.If(useColor, color.Gray)(hint))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *InteractiveHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &c
}

func (h *InteractiveHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr, useColor bool) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, g := range a.Value.Group() {
			writeAttr(sb, prefix+a.Key+".", g, useColor)
		}
		return
	}
	sb.WriteByte(' ')
	sb.WriteString(color.If(useColor, color.Cyan)(prefix + a.Key))
	sb.WriteByte('=')
	sb.WriteString(a.Value.String())
}
