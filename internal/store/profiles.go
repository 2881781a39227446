// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package store

import (
	"context"
	"sort"
	"time"

	"github.com/shellbe/shellbe/internal/profile"
)

type profilesDoc struct {
	Version  int               `json:"version"`
	Profiles []profile.Profile `json:"profiles"`
}

type aliasesDoc struct {
	Version int               `json:"version"`
	Aliases map[string]string `json:"aliases"`
}

func (s *Store) loadProfiles() (*profilesDoc, error) {
	doc := &profilesDoc{Version: formatVersion}
	if err := s.readJSON(ProfilesFile, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) loadAliases() (*aliasesDoc, error) {
	doc := &aliasesDoc{Version: formatVersion}
	if err := s.readJSON(AliasesFile, doc); err != nil {
		return nil, err
	}
	if doc.Aliases == nil {
		doc.Aliases = map[string]string{}
	}
	return doc, nil
}

func (d *profilesDoc) index(name string) int {
	for i := range d.Profiles {
		if d.Profiles[i].Name == name {
			return i
		}
	}
	return -1
}

func (d *profilesDoc) sort() {
	sort.Slice(d.Profiles, func(i, j int) bool { return d.Profiles[i].Name < d.Profiles[j].Name })
}

// AddProfile stores a new profile. The name must not be used by any profile
// or alias.
func (s *Store) AddProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	p = p.Clone()
	p.Normalize()
	if err := p.Validate(); err != nil {
		return profile.Profile{}, err
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
		if profiles.index(p.Name) >= 0 {
			return profile.ErrDuplicateName(p.Name, "profile")
		}
		if _, ok := aliases.Aliases[p.Name]; ok {
			return profile.ErrDuplicateName(p.Name, "alias")
		}

		now := s.now().UTC()
		p.CreatedAt = now
		p.UpdatedAt = now
		p.LastUsed = nil
		profiles.Profiles = append(profiles.Profiles, p)
		profiles.sort()
		return s.writeJSON(ProfilesFile, profiles)
	})
	if err != nil {
		return profile.Profile{}, err
	}
	return p, nil
}

// GetProfile returns the profile with exactly this name. Aliases are not
// consulted; use Resolve for that.
func (s *Store) GetProfile(name string) (profile.Profile, error) {
	profiles, err := s.loadProfiles()
	if err != nil {
		return profile.Profile{}, err
	}
	if i := profiles.index(name); i >= 0 {
		return profiles.Profiles[i], nil
	}
	return profile.Profile{}, profile.ErrProfileNotFound(name)
}

// ListProfiles returns all profiles sorted by name.
func (s *Store) ListProfiles() ([]profile.Profile, error) {
	profiles, err := s.loadProfiles()
	if err != nil {
		return nil, err
	}
	profiles.sort()
	return profiles.Profiles, nil
}

// UpdateProfile applies fn to the named profile and stores the result. fn may
// change any field except the name and timestamps.
func (s *Store) UpdateProfile(ctx context.Context, name string, fn func(p *profile.Profile) error) (profile.Profile, error) {
	var updated profile.Profile
	err := s.withLock(ctx, func() error {
		profiles, err := s.loadProfiles()
		if err != nil {
			return err
		}
		i := profiles.index(name)
		if i < 0 {
			return profile.ErrProfileNotFound(name)
		}

		orig := profiles.Profiles[i]
		p := orig.Clone()
		if err := fn(&p); err != nil {
			return err
		}
		if p.Name != orig.Name {
			return profile.ErrInvalidProfile(orig.Name, "profiles cannot be renamed")
		}
		p.Normalize()
		if err := p.Validate(); err != nil {
			return err
		}
		p.CreatedAt = orig.CreatedAt
		p.LastUsed = orig.LastUsed
		p.UpdatedAt = s.now().UTC()

		profiles.Profiles[i] = p
		updated = p
		return s.writeJSON(ProfilesFile, profiles)
	})
	return updated, err
}

// RemoveProfile deletes a profile. If aliases point at it, the removal is
// rejected with DANGLING_ALIAS unless cascade is set, in which case those
// aliases are removed in the same locked write. The removed alias names are
// returned.
func (s *Store) RemoveProfile(ctx context.Context, name string, cascade bool) ([]string, error) {
	var removed []string
	err := s.withLock(ctx, func() error {
		profiles, err := s.loadProfiles()
		if err != nil {
			return err
		}
		aliases, err := s.loadAliases()
		if err != nil {
			return err
		}
		i := profiles.index(name)
		if i < 0 {
			return profile.ErrProfileNotFound(name)
		}

		var referencing []string
		for alias, target := range aliases.Aliases {
			if target == name {
				referencing = append(referencing, alias)
			}
		}
		sort.Strings(referencing)
		if len(referencing) > 0 && !cascade {
			return profile.ErrDanglingAlias(name, referencing)
		}

		profiles.Profiles = append(profiles.Profiles[:i], profiles.Profiles[i+1:]...)
		if len(referencing) > 0 {
			for _, alias := range referencing {
				delete(aliases.Aliases, alias)
			}
			// Aliases are written first so an interrupted removal never
			// leaves an alias pointing at a missing profile.
			if err := s.writeJSON(AliasesFile, aliases); err != nil {
				return err
			}
		}
		removed = referencing
		return s.writeJSON(ProfilesFile, profiles)
	})
	return removed, err
}

// MarkUsed records that a connection to the profile was established.
func (s *Store) MarkUsed(ctx context.Context, name string, at time.Time) error {
	return s.withLock(ctx, func() error {
		profiles, err := s.loadProfiles()
		if err != nil {
			return err
		}
		i := profiles.index(name)
		if i < 0 {
			return profile.ErrProfileNotFound(name)
		}
		at = at.UTC()
		profiles.Profiles[i].LastUsed = &at
		return s.writeJSON(ProfilesFile, profiles)
	})
}

// Resolve maps a profile or alias name to a profile. Profile names win,
// though the write path keeps the two namespaces disjoint.
func (s *Store) Resolve(name string) (profile.Profile, error) {
	profiles, err := s.loadProfiles()
	if err != nil {
		return profile.Profile{}, err
	}
	if i := profiles.index(name); i >= 0 {
		return profiles.Profiles[i], nil
	}

	aliases, err := s.loadAliases()
	if err != nil {
		return profile.Profile{}, err
	}
	target, ok := aliases.Aliases[name]
	if !ok {
		return profile.Profile{}, profile.ErrProfileNotFound(name)
	}
	if i := profiles.index(target); i >= 0 {
		return profiles.Profiles[i], nil
	}
	// Only reachable if the files were edited by hand.
	return profile.Profile{}, profile.ErrDanglingAlias(target, []string{name})
}
