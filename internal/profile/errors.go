// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package profile

import (
	"strings"

	"github.com/samber/oops"
)

// Error codes for profile and alias operations.
const (
	CodeProfileNotFound = "PROFILE_NOT_FOUND"
	CodeDuplicateName   = "DUPLICATE_NAME"
	CodeDanglingAlias   = "DANGLING_ALIAS"
	CodeAliasNotFound   = "ALIAS_NOT_FOUND"
	CodeInvalidProfile  = "INVALID_PROFILE"
)

// ErrProfileNotFound creates an error for a name that resolves to nothing.
func ErrProfileNotFound(name string) error {
	return oops.Code(CodeProfileNotFound).
		With("profile", name).
		Errorf("profile not found: %s", name)
}

// ErrDuplicateName creates an error for a name already in use by a profile or alias.
func ErrDuplicateName(name, kind string) error {
	return oops.Code(CodeDuplicateName).
		With("name", name).
		With("existing", kind).
		Errorf("name %q is already used by a %s", name, kind)
}

// ErrDanglingAlias creates an error for a removal that would orphan aliases.
func ErrDanglingAlias(profile string, aliases []string) error {
	return oops.Code(CodeDanglingAlias).
		With("profile", profile).
		With("aliases", aliases).
		Hint("remove the aliases first or pass --cascade").
		Errorf("profile %s is referenced by aliases: %s", profile, strings.Join(aliases, ", "))
}

// ErrAliasNotFound creates an error for an unknown alias.
func ErrAliasNotFound(alias string) error {
	return oops.Code(CodeAliasNotFound).
		With("alias", alias).
		Errorf("alias not found: %s", alias)
}

// ErrInvalidProfile creates a validation error.
func ErrInvalidProfile(name, reason string) error {
	return oops.Code(CodeInvalidProfile).
		With("profile", name).
		With("reason", reason).
		Errorf("invalid profile %q: %s", name, reason)
}
