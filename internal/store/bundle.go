// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package store

import (
	"context"
	"io"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/shellbe/shellbe/internal/profile"
)

// Bundle is the portable export format for profiles and aliases.
type Bundle struct {
	Version  int               `yaml:"version"`
	Profiles []profile.Profile `yaml:"profiles"`
	Aliases  []profile.Alias   `yaml:"aliases,omitempty"`
}

// ImportResult reports what Import did.
type ImportResult struct {
	Added    []string
	Replaced []string
	Skipped  []string
	Aliases  int
}

// Export snapshots all profiles and aliases.
func (s *Store) Export() (*Bundle, error) {
	profiles, err := s.ListProfiles()
	if err != nil {
		return nil, err
	}
	aliases, err := s.ListAliases()
	if err != nil {
		return nil, err
	}
	return &Bundle{Version: formatVersion, Profiles: profiles, Aliases: aliases}, nil
}

// WriteBundle encodes b as YAML.
func WriteBundle(w io.Writer, b *Bundle) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return oops.Code(CodeStoreIO).With("operation", "encode bundle").Wrap(err)
	}
	return enc.Close()
}

// ReadBundle decodes a YAML bundle.
func ReadBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := yaml.NewDecoder(r).Decode(&b); err != nil {
		return nil, oops.Code(CodeStoreCorrupt).With("operation", "decode bundle").Wrap(err)
	}
	if b.Version != 0 && b.Version != formatVersion {
		return nil, oops.Code(CodeStoreCorrupt).With("version", b.Version).Errorf("unsupported bundle version %d", b.Version)
	}
	return &b, nil
}

// Import merges a bundle into the store in one locked write. Existing
// profiles are skipped unless overwrite is set. The import is rejected as a
// whole if any profile is invalid, a name collides across namespaces, or an
// alias would point at a missing profile.
func (s *Store) Import(ctx context.Context, b *Bundle, overwrite bool) (ImportResult, error) {
	var res ImportResult

	incoming := make([]profile.Profile, 0, len(b.Profiles))
	for _, p := range b.Profiles {
		p = p.Clone()
		p.Normalize()
		if err := p.Validate(); err != nil {
			return res, err
		}
		incoming = append(incoming, p)
	}

	err := s.withLock(ctx, func() error {
		profiles, err := s.loadProfiles()
		if err != nil {
			return err
		}
		aliases, err := s.loadAliases()
		if err != nil {
			return err
		}

		now := s.now().UTC()
		for _, p := range incoming {
			if _, ok := aliases.Aliases[p.Name]; ok {
				return profile.ErrDuplicateName(p.Name, "alias")
			}
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
			p.UpdatedAt = now
			if i := profiles.index(p.Name); i >= 0 {
				if !overwrite {
					res.Skipped = append(res.Skipped, p.Name)
					continue
				}
				profiles.Profiles[i] = p
				res.Replaced = append(res.Replaced, p.Name)
				continue
			}
			profiles.Profiles = append(profiles.Profiles, p)
			res.Added = append(res.Added, p.Name)
		}

		for _, a := range b.Aliases {
			if !profile.ValidName(a.Name) {
				return profile.ErrInvalidProfile(a.Name, "invalid alias name")
			}
			if profiles.index(a.Name) >= 0 {
				return profile.ErrDuplicateName(a.Name, "profile")
			}
			if profiles.index(a.Profile) < 0 {
				return profile.ErrProfileNotFound(a.Profile)
			}
			if existing, ok := aliases.Aliases[a.Name]; ok && existing != a.Profile && !overwrite {
				continue
			}
			aliases.Aliases[a.Name] = a.Profile
			res.Aliases++
		}

		profiles.sort()
		if err := s.writeJSON(ProfilesFile, profiles); err != nil {
			return err
		}
		return s.writeJSON(AliasesFile, aliases)
	})
	return res, err
}
