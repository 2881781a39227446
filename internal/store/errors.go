// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package store

import (
	"github.com/samber/oops"
)

// Error codes for store failures. Profile and alias codes live in the
// profile package.
const (
	CodeStoreLocked  = "STORE_LOCKED"
	CodeStoreIO      = "STORE_IO"
	CodeStoreCorrupt = "STORE_CORRUPT"
)

func ioError(operation, path string, err error) error {
	return oops.Code(CodeStoreIO).
		With("operation", operation).
		With("path", path).
		Wrap(err)
}
