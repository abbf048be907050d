/*
 * awsideman
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package logutils configures the process-wide slog logger and hands out
// per-package loggers tagged with their component name.
package logutils

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Initialize installs the process-wide text handler writing to w. Debug
// drops the level to slog.LevelDebug. Called once from main before any
// work starts; package loggers created earlier pick up the new handler
// because they resolve the default handler at log time.
func Initialize(w io.Writer, debug bool) {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

// NewPackageLogger returns a logger with the provided key/value attributes
// attached, intended to be stored in a package-level variable. The logger
// follows whatever handler is installed as the slog default, so it is safe
// to construct before Initialize runs.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.New(&deferredHandler{}).With(args...)
}

// deferredHandler resolves the default slog handler on every call instead
// of capturing it at construction time.
type deferredHandler struct {
	attrs  []slog.Attr
	groups []string
}

func (h *deferredHandler) resolve() slog.Handler {
	target := slog.Default().Handler()
	for _, g := range h.groups {
		target = target.WithGroup(g)
	}
	if len(h.attrs) != 0 {
		target = target.WithAttrs(h.attrs)
	}
	return target
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &deferredHandler{
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return &deferredHandler{
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}
