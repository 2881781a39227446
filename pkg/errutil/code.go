// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package errutil

import (
	"fmt"

	"github.com/samber/oops"
)

// Code returns the error code carried by err, or "" when err is nil,
// not an oops error, or uncoded.
func Code(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch code := oopsErr.Code().(type) {
	case nil:
		return ""
	case string:
		return code
	default:
		return fmt.Sprint(code)
	}
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && Code(err) == code
}

// Describe renders err for a terminal: the message followed by the code in
// parentheses when one is present.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if code := Code(err); code != "" {
		return fmt.Sprintf("%s (%s)", err.Error(), code)
	}
	return err.Error()
}
