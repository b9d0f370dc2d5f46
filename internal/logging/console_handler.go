package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ConsoleHandler is a slog.Handler that writes logs in a human-readable format:
// RFC3339 vragent[pid]: [level] component: Message key=value
type ConsoleHandler struct {
	opts  slog.HandlerOptions
	out   io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr
}

// processName is the tag printed in front of every line.
var processName = "vragent"

// NewConsoleHandler creates a new ConsoleHandler.
func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ConsoleHandler{
		out:  out,
		opts: *opts,
		mu:   &sync.Mutex{},
	}
}

// Enabled reports whether the handler is enabled for this level.
func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

// Handle handles the Record.
func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := make([]byte, 0, 512)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf = append(buf, t.Format(time.RFC3339)...)
	buf = append(buf, ' ')
	buf = append(buf, fmt.Sprintf("%s[%d]: ", processName, os.Getpid())...)

	buf = append(buf, '[')
	buf = append(buf, strings.ToLower(r.Level.String())...)
	buf = append(buf, "] "...)

	// component is promoted to the header; record attrs override bound ones
	component := ""
	for _, a := range h.attrs {
		if a.Key == "component" {
			component = strings.ToLower(a.Value.String())
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToLower(a.Value.String())
			return false
		}
		return true
	})
	if component != "" {
		buf = append(buf, component...)
		buf = append(buf, ": "...)
	}

	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		if a.Key == "component" {
			continue
		}
		buf = append(buf, ' ')
		appendAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			return true
		}
		buf = append(buf, ' ')
		appendAttr(&buf, a)
		return true
	})

	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func appendAttr(buf *[]byte, a slog.Attr) {
	*buf = append(*buf, a.Key...)
	*buf = append(*buf, '=')
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\n\"") {
		*buf = append(*buf, fmt.Sprintf("%q", val)...)
	} else {
		*buf = append(*buf, val...)
	}
}

// WithAttrs returns a new handler with the given attributes.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ConsoleHandler{
		opts:  h.opts,
		out:   h.out,
		mu:    h.mu,
		attrs: merged,
	}
}

// WithGroup returns the handler unchanged; console output is flat.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}
