/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftpconf

import (
	"encoding/xml"
	"testing"
	"time"

	"github.com/gravwell/ftpd/addrlist"
	"github.com/gravwell/ftpd/auth"
	"github.com/gravwell/ftpd/impersonate"
	"github.com/gravwell/ftpd/tvfs"
	"github.com/stretchr/testify/require"
)

func TestUsersRoundTrip(t *testing.T) {
	ph, err := auth.NewPasswordHash(`secret`)
	require.NoError(t, err)
	users := []*auth.User{{
		Name:        `alice`,
		Enabled:     true,
		Credentials: map[auth.MethodKind]auth.PasswordHash{auth.MethodKindPassword: ph},
		Mounts: []tvfs.MountPoint{{
			TVFSPath:   `/pub`,
			NativePath: `/srv/pub`,
			Access:     tvfs.AccessReadWrite,
			Recursive:  tvfs.RecurseWithStructureMods,
			Autocreate: true,
		}},
		Limits: auth.RateLimits{DownloadBps: 1048576},
		Groups: []string{`staff`, `everyone`},
		Impersonation: &impersonate.Token{
			Uid:      1000,
			Gid:      1000,
			Username: `alice`,
		},
	}}
	users[0].AllowedIPs = mustParseList(t, `10.0.0.0/8`)
	users[0].DisallowedIPs = mustParseList(t, `10.66.0.0/16`)

	b, err := MarshalUsers(users)
	require.NoError(t, err)
	back, err := UnmarshalUsers(b)
	require.NoError(t, err)
	require.Len(t, back, 1)
	u := back[0]
	require.Equal(t, `alice`, u.Name)
	require.True(t, u.Enabled)
	require.Equal(t, users[0].Groups, u.Groups)
	require.Equal(t, users[0].Mounts, u.Mounts)
	require.Equal(t, int64(1048576), u.Limits.DownloadBps)
	require.Equal(t, int64(0), u.Limits.UploadBps)
	require.NotNil(t, u.Impersonation)
	require.Equal(t, uint32(1000), u.Impersonation.Uid)
	require.True(t, u.AllowedIPs.Equal(users[0].AllowedIPs))
	require.True(t, u.DisallowedIPs.Equal(users[0].DisallowedIPs))
	got := u.Credentials[auth.MethodKindPassword]
	require.Equal(t, ph.Iterations, got.Iterations)
	require.True(t, got.Verify(`secret`))
}

func TestGroupsRoundTrip(t *testing.T) {
	groups := []*auth.Group{{
		Name: `staff`,
		Mounts: []tvfs.MountPoint{{
			TVFSPath:   `/shared`,
			NativePath: `/srv/shared`,
			Access:     tvfs.AccessReadOnly,
			Recursive:  tvfs.Recurse,
		}},
		Limits: auth.RateLimits{UploadBps: 2048},
	}}
	b, err := MarshalGroups(groups)
	require.NoError(t, err)
	back, err := UnmarshalGroups(b)
	require.NoError(t, err)
	require.Len(t, back, 1)
	require.Equal(t, `staff`, back[0].Name)
	require.Equal(t, groups[0].Mounts, back[0].Mounts)
	require.Equal(t, int64(2048), back[0].Limits.UploadBps)
}

func TestSpeedLimitForms(t *testing.T) {
	type wrap struct {
		XMLName xml.Name   `xml:"w"`
		Limit   SpeedLimit `xml:"limit,attr"`
	}
	var w wrap
	require.NoError(t, xml.Unmarshal([]byte(`<w limit="unlimited"/>`), &w))
	require.Equal(t, SpeedLimit(0), w.Limit)
	require.NoError(t, xml.Unmarshal([]byte(`<w limit="1048576"/>`), &w))
	require.Equal(t, SpeedLimit(1048576), w.Limit)
	//human-friendly sizes are accepted on load
	require.NoError(t, xml.Unmarshal([]byte(`<w limit="1MB"/>`), &w))
	require.Equal(t, SpeedLimit(1048576), w.Limit)
	require.Error(t, xml.Unmarshal([]byte(`<w limit="fast"/>`), &w))
	//the unlimited form round-trips
	b, err := xml.Marshal(wrap{Limit: 0})
	require.NoError(t, err)
	require.Contains(t, string(b), `unlimited`)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := &Settings{
		Greeting: `welcome`,
		Listeners: []XMLListener{
			{Address: `:21`, TLSMode: `allow_tls`},
			{Address: `:990`, TLSMode: `implicit_tls`},
		},
		PassivePortMin:  50000,
		PassivePortMax:  51000,
		NATHost:         `ftp.example.com`,
		LoginTimeout:    Seconds(time.Minute),
		ActivityTimeout: Seconds(15 * time.Minute),
		Ban: &XMLBan{
			MaxFailures: 3,
			Window:      Seconds(time.Minute),
			Duration:    Seconds(time.Hour),
		},
	}
	b, err := MarshalSettings(s)
	require.NoError(t, err)
	var back Settings
	require.NoError(t, xml.Unmarshal(b, &back))
	require.Equal(t, s.Greeting, back.Greeting)
	require.Equal(t, s.Listeners, back.Listeners)
	require.Equal(t, s.PassivePortMin, back.PassivePortMin)
	require.Equal(t, s.NATHost, back.NATHost)
	require.Equal(t, time.Minute, back.LoginTimeout.Duration())
	require.NotNil(t, back.Ban)
	require.Equal(t, time.Hour, back.Ban.Duration.Duration())
}

func TestMissingOptionalDefaults(t *testing.T) {
	doc := `<?xml version="1.0"?>
<ftpd version="1">
	<users>
		<user name="bare" enabled="true"></user>
	</users>
</ftpd>`
	users, err := UnmarshalUsers([]byte(doc))
	require.NoError(t, err)
	require.Len(t, users, 1)
	u := users[0]
	require.Equal(t, `bare`, u.Name)
	require.Empty(t, u.Mounts)
	require.Nil(t, u.Impersonation)
	require.Equal(t, int64(0), u.Limits.DownloadBps)
	require.NotNil(t, u.AllowedIPs)
	require.True(t, u.AllowedIPs.Empty())
}

func mustParseList(t *testing.T, s string) *addrlist.List {
	t.Helper()
	l := addrlist.New(0, 0)
	require.NoError(t, l.Parse(s))
	return l
}
