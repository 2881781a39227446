// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package errutil holds helpers for working with coded oops errors.
package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err at error level on logger, or the default logger when
// logger is nil. The deepest code and the oops domain and context become
// separate attributes so a failure can be filtered by code; attrs are
// appended as given.
func LogError(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	fields := append([]any{"error", err.Error()}, attrs...)
	if code := Code(err); code != "" {
		fields = append(fields, "code", code)
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if domain := oopsErr.Domain(); domain != "" {
			fields = append(fields, "domain", domain)
		}
		if kv := oopsErr.Context(); len(kv) > 0 {
			fields = append(fields, "context", kv)
		}
	}
	logger.ErrorContext(ctx, msg, fields...)
}
