// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package profile_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellbe/shellbe/internal/profile"
	"github.com/shellbe/shellbe/pkg/errutil"
)

func validProfile() profile.Profile {
	return profile.Profile{
		Name:       "work-server",
		Host:       "10.0.0.5",
		Port:       22,
		User:       "alice",
		AuthMethod: profile.AuthAgent,
	}
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *profile.Profile)
	}{
		{"empty name", func(p *profile.Profile) { p.Name = "" }},
		{"name with space", func(p *profile.Profile) { p.Name = "work server" }},
		{"empty host", func(p *profile.Profile) { p.Host = "" }},
		{"port zero", func(p *profile.Profile) { p.Port = 0 }},
		{"port too large", func(p *profile.Profile) { p.Port = 70000 }},
		{"no user", func(p *profile.Profile) { p.User = "" }},
		{"key without identity", func(p *profile.Profile) { p.AuthMethod = profile.AuthKey }},
		{"unknown auth", func(p *profile.Profile) { p.AuthMethod = "kerberos" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProfile()
			tt.mutate(&p)
			errutil.AssertErrorCode(t, p.Validate(), profile.CodeInvalidProfile)
		})
	}

	p := validProfile()
	require.NoError(t, p.Validate())
}

func TestProfile_Normalize(t *testing.T) {
	p := profile.Profile{Name: "a", Host: " example.com ", User: "u", IdentityFile: "~/.ssh/id"}
	p.Normalize()
	assert.Equal(t, "example.com", p.Host)
	assert.Equal(t, profile.DefaultPort, p.Port)
	assert.Equal(t, profile.AuthKey, p.AuthMethod)

	q := profile.Profile{Name: "b", Host: "h", User: "u"}
	q.Normalize()
	assert.Equal(t, profile.AuthAgent, q.AuthMethod)
}

func TestParseAuthMethod(t *testing.T) {
	for in, want := range map[string]profile.AuthMethod{
		"password": profile.AuthPassword,
		"KEY":      profile.AuthKey,
		"key-path": profile.AuthKey,
		"agent":    profile.AuthAgent,
	} {
		got, err := profile.ParseAuthMethod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := profile.ParseAuthMethod("gssapi")
	errutil.AssertErrorCode(t, err, profile.CodeInvalidProfile)
}

func TestProfile_SnapshotHasNoSecrets(t *testing.T) {
	p := validProfile()
	p.AuthMethod = profile.AuthKey
	p.IdentityFile = "/home/alice/.ssh/id_ed25519"
	p.Options = map[string]string{"ProxyJump": "bastion"}

	snap := p.Snapshot()
	assert.Equal(t, "work-server", snap.Name)
	assert.Equal(t, "key", snap.AuthMethod)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "id_ed25519")
	assert.NotContains(t, string(data), "bastion")
}

func TestProfile_Address(t *testing.T) {
	p := validProfile()
	assert.Equal(t, "10.0.0.5:22", p.Address())
	p.Host = "::1"
	p.Port = 2222
	assert.Equal(t, "[::1]:2222", p.Address())
}

func TestProfile_CloneIsDeep(t *testing.T) {
	now := time.Now()
	p := validProfile()
	p.Options = map[string]string{"a": "1"}
	p.LastUsed = &now

	c := p.Clone()
	c.Options["a"] = "2"
	*c.LastUsed = now.Add(time.Hour)

	assert.Equal(t, "1", p.Options["a"])
	assert.Equal(t, now, *p.LastUsed)
}

func TestHistoryQuery_Matches(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := profile.HistoryEntry{ProfileName: "db", Timestamp: base}

	assert.True(t, profile.HistoryQuery{}.Matches(e))
	assert.True(t, profile.HistoryQuery{Profile: "db"}.Matches(e))
	assert.False(t, profile.HistoryQuery{Profile: "web"}.Matches(e))
	assert.True(t, profile.HistoryQuery{Since: base}.Matches(e))
	assert.False(t, profile.HistoryQuery{Since: base.Add(time.Second)}.Matches(e))
	assert.False(t, profile.HistoryQuery{Until: base}.Matches(e), "until is exclusive")
}

func TestStats_Add(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var s profile.Stats
	s.Add(profile.HistoryEntry{Outcome: profile.OutcomeSuccess, Duration: 10 * time.Second, Timestamp: base})
	s.Add(profile.HistoryEntry{Outcome: profile.OutcomeAuthFailed, Duration: 2 * time.Second, Timestamp: base.Add(time.Hour)})

	assert.Equal(t, 2, s.Connections)
	assert.Equal(t, 1, s.Successes)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 6*time.Second, s.AverageDuration())
	assert.Equal(t, base.Add(time.Hour), s.LastConnection)
	assert.Zero(t, profile.Stats{}.AverageDuration())
}
