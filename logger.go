package vex

import (
	"context"

	"golang.org/x/exp/slog"
)

// nopHandler drops every record
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func discardLogger() *slog.Logger {
	return slog.New(nopHandler{})
}
