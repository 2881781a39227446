// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package store

import (
	"context"
	"sort"
	"time"

	"github.com/samber/oops"
)

// PluginStatus is the persisted state of an installed plugin.
type PluginStatus string

// Plugin statuses.
const (
	PluginEnabled  PluginStatus = "enabled"
	PluginDisabled PluginStatus = "disabled"
	// PluginDegraded is set after a capability violation and cleared by
	// an explicit enable.
	PluginDegraded PluginStatus = "degraded"
)

// PluginRecord is the persisted metadata for an installed plugin.
type PluginRecord struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Type         string       `json:"type"`
	ManifestPath string       `json:"manifest_path"`
	Status       PluginStatus `json:"status"`
	Reason       string       `json:"reason,omitempty"`
	SourceURL    string       `json:"source_url,omitempty"`
	Checksum     string       `json:"checksum,omitempty"`
	InstalledAt  time.Time    `json:"installed_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type pluginsDoc struct {
	Version int            `json:"version"`
	Plugins []PluginRecord `json:"plugins"`
}

func (d *pluginsDoc) index(name string) int {
	for i := range d.Plugins {
		if d.Plugins[i].Name == name {
			return i
		}
	}
	return -1
}

func (s *Store) loadPlugins() (*pluginsDoc, error) {
	doc := &pluginsDoc{Version: formatVersion}
	if err := s.readJSON(PluginsFile, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListPlugins returns all plugin records sorted by name.
func (s *Store) ListPlugins() ([]PluginRecord, error) {
	doc, err := s.loadPlugins()
	if err != nil {
		return nil, err
	}
	sort.Slice(doc.Plugins, func(i, j int) bool { return doc.Plugins[i].Name < doc.Plugins[j].Name })
	return doc.Plugins, nil
}

// GetPlugin returns the record for name, reporting whether it exists.
func (s *Store) GetPlugin(name string) (PluginRecord, bool, error) {
	doc, err := s.loadPlugins()
	if err != nil {
		return PluginRecord{}, false, err
	}
	if i := doc.index(name); i >= 0 {
		return doc.Plugins[i], true, nil
	}
	return PluginRecord{}, false, nil
}

// PutPlugin inserts or replaces a plugin record.
func (s *Store) PutPlugin(ctx context.Context, rec PluginRecord) error {
	return s.withLock(ctx, func() error {
		doc, err := s.loadPlugins()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		rec.UpdatedAt = now
		if i := doc.index(rec.Name); i >= 0 {
			if rec.InstalledAt.IsZero() {
				rec.InstalledAt = doc.Plugins[i].InstalledAt
			}
			doc.Plugins[i] = rec
		} else {
			if rec.InstalledAt.IsZero() {
				rec.InstalledAt = now
			}
			doc.Plugins = append(doc.Plugins, rec)
		}
		return s.writeJSON(PluginsFile, doc)
	})
}

// SetPluginStatus updates the status and reason of an existing record.
func (s *Store) SetPluginStatus(ctx context.Context, name string, status PluginStatus, reason string) error {
	return s.withLock(ctx, func() error {
		doc, err := s.loadPlugins()
		if err != nil {
			return err
		}
		i := doc.index(name)
		if i < 0 {
			return oops.Code("PLUGIN_NOT_FOUND").With("plugin", name).Errorf("plugin not installed: %s", name)
		}
		doc.Plugins[i].Status = status
		doc.Plugins[i].Reason = reason
		doc.Plugins[i].UpdatedAt = s.now().UTC()
		return s.writeJSON(PluginsFile, doc)
	})
}

// DeletePlugin removes a record, reporting whether it existed.
func (s *Store) DeletePlugin(ctx context.Context, name string) (bool, error) {
	var existed bool
	err := s.withLock(ctx, func() error {
		doc, err := s.loadPlugins()
		if err != nil {
			return err
		}
		i := doc.index(name)
		if i < 0 {
			return nil
		}
		existed = true
		doc.Plugins = append(doc.Plugins[:i], doc.Plugins[i+1:]...)
		return s.writeJSON(PluginsFile, doc)
	})
	return existed, err
}
