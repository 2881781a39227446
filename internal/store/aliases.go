// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package store

import (
	"context"
	"sort"

	"github.com/shellbe/shellbe/internal/profile"
)

// AddAlias points alias at an existing profile. Alias names share a
// namespace with profile names, and aliases cannot target other aliases.
func (s *Store) AddAlias(ctx context.Context, alias, target string) error {
	if !profile.ValidName(alias) {
		return profile.ErrInvalidProfile(alias, "alias name must start with a letter or digit and contain only letters, digits, '.', '_' or '-'")
	}
	return s.withLock(ctx, func() error {
		profiles, err := s.loadProfiles()
		if err != nil {
			return err
		}
		aliases, err := s.loadAliases()
		if err != nil {
			return err
		}
		if profiles.index(alias) >= 0 {
			return profile.ErrDuplicateName(alias, "profile")
		}
		if _, ok := aliases.Aliases[alias]; ok {
			return profile.ErrDuplicateName(alias, "alias")
		}
		if profiles.index(target) < 0 {
			return profile.ErrProfileNotFound(target)
		}
		aliases.Aliases[alias] = target
		return s.writeJSON(AliasesFile, aliases)
	})
}

// RemoveAlias deletes an alias.
func (s *Store) RemoveAlias(ctx context.Context, alias string) error {
	return s.withLock(ctx, func() error {
		aliases, err := s.loadAliases()
		if err != nil {
			return err
		}
		if _, ok := aliases.Aliases[alias]; !ok {
			return profile.ErrAliasNotFound(alias)
		}
		delete(aliases.Aliases, alias)
		return s.writeJSON(AliasesFile, aliases)
	})
}

// ListAliases returns all aliases sorted by name.
func (s *Store) ListAliases() ([]profile.Alias, error) {
	aliases, err := s.loadAliases()
	if err != nil {
		return nil, err
	}
	out := make([]profile.Alias, 0, len(aliases.Aliases))
	for name, target := range aliases.Aliases {
		out = append(out, profile.Alias{Name: name, Profile: target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AliasesFor returns the aliases targeting profile, sorted.
func (s *Store) AliasesFor(profileName string) ([]string, error) {
	aliases, err := s.loadAliases()
	if err != nil {
		return nil, err
	}
	var out []string
	for name, target := range aliases.Aliases {
		if target == profileName {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
