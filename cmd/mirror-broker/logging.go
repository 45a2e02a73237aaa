// ABOUTME: slog setup for the broker: JSON for machines, colored single lines for terminals
// ABOUTME: Handlers derived with With/WithGroup share one writer lock

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/mirror-broker/internal/config"
)

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newTermHandler(color.Output, level))
}

var levelTags = map[slog.Level]string{
	slog.LevelDebug: color.MagentaString("DBG"),
	slog.LevelInfo:  color.CyanString("INF"),
	slog.LevelWarn:  color.YellowString("WRN"),
	slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERR"),
}

// termHandler writes "15:04:05 LVL message key=value ..." lines.
type termHandler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Level

	// preformatted holds attrs added with WithAttrs, already rendered.
	preformatted string
	prefix       string
}

func newTermHandler(out io.Writer, level slog.Level) *termHandler {
	return &termHandler{out: out, mu: new(sync.Mutex), level: level}
}

func (h *termHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *termHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	buf.WriteByte(' ')
	tag, ok := levelTags[r.Level]
	if !ok {
		tag = r.Level.String()
	}
	buf.WriteString(tag)
	buf.WriteByte(' ')
	buf.WriteString(r.Message)
	buf.WriteString(h.preformatted)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.prefix, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

func writeAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(buf, prefix+a.Key+".", ga)
		}
		return
	}
	buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
	buf.WriteString(a.Value.Resolve().String())
}

func (h *termHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var buf bytes.Buffer
	for _, a := range attrs {
		writeAttr(&buf, h.prefix, a)
	}
	next := *h
	next.preformatted += buf.String()
	return &next
}

func (h *termHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}
