// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package profile defines connection profiles, aliases and history entries.
package profile

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shellbe/shellbe/pkg/plugin"
)

// AuthMethod selects how a session authenticates.
type AuthMethod string

// Supported authentication methods.
const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
	AuthAgent    AuthMethod = "agent"
)

// ParseAuthMethod accepts the canonical names plus "key-path".
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch AuthMethod(strings.ToLower(strings.TrimSpace(s))) {
	case AuthPassword:
		return AuthPassword, nil
	case AuthKey, "key-path", "keypath":
		return AuthKey, nil
	case AuthAgent:
		return AuthAgent, nil
	}
	return "", ErrInvalidProfile(s, "auth method must be password, key or agent")
}

// DefaultPort is used when a profile does not set one.
const DefaultPort = 22

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidName reports whether s is usable as a profile or alias name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// Profile is a named SSH connection target.
type Profile struct {
	Name         string            `json:"name" yaml:"name"`
	Host         string            `json:"host" yaml:"host"`
	Port         int               `json:"port" yaml:"port"`
	User         string            `json:"user" yaml:"user"`
	AuthMethod   AuthMethod        `json:"auth_method" yaml:"auth_method"`
	IdentityFile string            `json:"identity_file,omitempty" yaml:"identity_file,omitempty"`
	Options      map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
	CreatedAt    time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" yaml:"updated_at"`
	LastUsed     *time.Time        `json:"last_used,omitempty" yaml:"last_used,omitempty"`
}

// Validate checks the fields needed to attempt a connection.
func (p *Profile) Validate() error {
	if !ValidName(p.Name) {
		return ErrInvalidProfile(p.Name, "name must start with a letter or digit and contain only letters, digits, '.', '_' or '-' (max 64)")
	}
	if strings.TrimSpace(p.Host) == "" {
		return ErrInvalidProfile(p.Name, "host is required")
	}
	if strings.ContainsAny(p.Host, " \t\n") {
		return ErrInvalidProfile(p.Name, "host must not contain whitespace")
	}
	if p.Port < 1 || p.Port > 65535 {
		return ErrInvalidProfile(p.Name, "port must be between 1 and 65535")
	}
	if p.User == "" {
		return ErrInvalidProfile(p.Name, "user is required")
	}
	switch p.AuthMethod {
	case AuthPassword, AuthAgent:
	case AuthKey:
		if p.IdentityFile == "" {
			return ErrInvalidProfile(p.Name, "key authentication requires an identity file")
		}
	default:
		return ErrInvalidProfile(p.Name, "auth method must be password, key or agent")
	}
	return nil
}

// Normalize fills defaults in place.
func (p *Profile) Normalize() {
	p.Host = strings.TrimSpace(p.Host)
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.AuthMethod == "" {
		if p.IdentityFile != "" {
			p.AuthMethod = AuthKey
		} else {
			p.AuthMethod = AuthAgent
		}
	}
}

// Address returns host:port.
func (p *Profile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Snapshot returns the credential-free view handed to plugins.
func (p *Profile) Snapshot() *plugin.ProfileSnapshot {
	return &plugin.ProfileSnapshot{
		Name:       p.Name,
		Host:       p.Host,
		Port:       p.Port,
		User:       p.User,
		AuthMethod: string(p.AuthMethod),
	}
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	if p.Options != nil {
		opts := make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			opts[k] = v
		}
		p.Options = opts
	}
	if p.LastUsed != nil {
		t := *p.LastUsed
		p.LastUsed = &t
	}
	return p
}

// Alias is an alternate name for a profile.
type Alias struct {
	Name    string `json:"name" yaml:"name"`
	Profile string `json:"profile" yaml:"profile"`
}
