/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ftpconf

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravwell/ftpd/addrlist"
	"github.com/gravwell/ftpd/auth"
	"github.com/gravwell/ftpd/impersonate"
	"github.com/gravwell/ftpd/tvfs"
	"github.com/inhies/go-bytesize"
)

// The persistence format is versioned XML: scalars ride as attributes,
// collections as child elements, and absent optional elements take
// their declared defaults.

const documentVersion = 1

var (
	ErrBadDocument = errors.New("malformed configuration document")
)

// SpeedLimit serializes as "unlimited" or a byte count; human forms
// like "10MB" are accepted on load.
type SpeedLimit int64

func (sl SpeedLimit) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if sl <= 0 {
		return xml.Attr{Name: name, Value: `unlimited`}, nil
	}
	return xml.Attr{Name: name, Value: strconv.FormatInt(int64(sl), 10)}, nil
}

func (sl *SpeedLimit) UnmarshalXMLAttr(attr xml.Attr) error {
	v := strings.TrimSpace(attr.Value)
	if v == `` || strings.EqualFold(v, `unlimited`) {
		*sl = 0
		return nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*sl = SpeedLimit(n)
		return nil
	}
	bs, err := bytesize.Parse(v)
	if err != nil {
		return fmt.Errorf("bad speed limit %q: %w", v, err)
	}
	*sl = SpeedLimit(bs)
	return nil
}

type xmlMount struct {
	TVFSPath   string `xml:"tvfs,attr"`
	NativePath string `xml:"native,attr"`
	Access     string `xml:"access,attr"`
	Recursive  string `xml:"recursive,attr,omitempty"`
	Autocreate bool   `xml:"autocreate,attr,omitempty"`
}

type xmlLimits struct {
	Download SpeedLimit `xml:"download,attr"`
	Upload   SpeedLimit `xml:"upload,attr"`
}

type xmlPassword struct {
	Iterations int    `xml:"iterations,attr"`
	Salt       string `xml:"salt,attr,omitempty"`
	Hash       string `xml:"hash,attr"`
}

type xmlImpersonation struct {
	UID      uint32 `xml:"uid,attr"`
	GID      uint32 `xml:"gid,attr"`
	Username string `xml:"username,attr,omitempty"`
}

type xmlUser struct {
	Name          string            `xml:"name,attr"`
	Enabled       bool              `xml:"enabled,attr"`
	Password      *xmlPassword      `xml:"password"`
	Allowed       string            `xml:"allowed,omitempty"`
	Disallowed    string            `xml:"disallowed,omitempty"`
	Mounts        []xmlMount        `xml:"mount"`
	Limits        *xmlLimits        `xml:"limits"`
	Groups        []string          `xml:"group"`
	Impersonation *xmlImpersonation `xml:"impersonation"`
}

type xmlGroup struct {
	Name       string     `xml:"name,attr"`
	Allowed    string     `xml:"allowed,omitempty"`
	Disallowed string     `xml:"disallowed,omitempty"`
	Mounts     []xmlMount `xml:"mount"`
	Limits     *xmlLimits `xml:"limits"`
}

type xmlUsersDoc struct {
	XMLName xml.Name  `xml:"ftpd"`
	Version int       `xml:"version,attr"`
	Users   []xmlUser `xml:"users>user"`
}

type xmlGroupsDoc struct {
	XMLName xml.Name   `xml:"ftpd"`
	Version int        `xml:"version,attr"`
	Groups  []xmlGroup `xml:"groups>group"`
}

// Settings is the server-behavior document.
type Settings struct {
	XMLName         xml.Name      `xml:"ftpd"`
	Version         int           `xml:"version,attr"`
	Greeting        string        `xml:"greeting,omitempty"`
	Listeners       []XMLListener `xml:"listeners>listener"`
	PassivePortMin  int           `xml:"passive>min,omitempty"`
	PassivePortMax  int           `xml:"passive>max,omitempty"`
	NATHost         string        `xml:"passive>nat-host,omitempty"`
	SkipNATForLocal bool          `xml:"passive>skip-nat-for-local,omitempty"`
	LoginTimeout    Seconds       `xml:"timeouts>login,omitempty"`
	ActivityTimeout Seconds       `xml:"timeouts>activity,omitempty"`
	Ban             *XMLBan       `xml:"autoban"`
	Throttle        *XMLThrottle  `xml:"throttle"`
	SessionLimits   *xmlLimits    `xml:"session-limits"`
}

type XMLListener struct {
	Address string `xml:"address,attr"`
	TLSMode string `xml:"tls,attr,omitempty"`
}

type XMLBan struct {
	MaxFailures int     `xml:"max-failures,attr"`
	Window      Seconds `xml:"window,attr"`
	Duration    Seconds `xml:"duration,attr"`
}

type XMLThrottle struct {
	Delay       Seconds `xml:"delay,attr"`
	Cap         Seconds `xml:"cap,attr"`
	MaxFailures int     `xml:"max-failures,attr"`
	Window      Seconds `xml:"window,attr"`
}

// Seconds serializes durations as integral seconds.
type Seconds time.Duration

func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

func (s Seconds) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: strconv.FormatInt(int64(time.Duration(s)/time.Second), 10)}, nil
}

func (s *Seconds) UnmarshalXMLAttr(attr xml.Attr) error {
	n, err := strconv.ParseInt(strings.TrimSpace(attr.Value), 10, 64)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", attr.Value, err)
	}
	*s = Seconds(time.Duration(n) * time.Second)
	return nil
}

func (s Seconds) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.EncodeElement(strconv.FormatInt(int64(time.Duration(s)/time.Second), 10), start)
}

func (s *Seconds) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var v string
	if err := d.DecodeElement(&v, &start); err != nil {
		return err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", v, err)
	}
	*s = Seconds(time.Duration(n) * time.Second)
	return nil
}

// conversion to and from the in-memory model

func mountToModel(m xmlMount) (tvfs.MountPoint, error) {
	mp := tvfs.MountPoint{
		TVFSPath:   m.TVFSPath,
		NativePath: m.NativePath,
		Autocreate: m.Autocreate,
	}
	switch m.Access {
	case ``, `disabled`:
		mp.Access = tvfs.AccessDisabled
	case `read_only`:
		mp.Access = tvfs.AccessReadOnly
	case `read_write`:
		mp.Access = tvfs.AccessReadWrite
	default:
		return mp, fmt.Errorf("%w: bad access %q in mount %s", ErrBadDocument, m.Access, m.TVFSPath)
	}
	switch m.Recursive {
	case ``, `none`:
		mp.Recursive = tvfs.RecursiveNone
	case `recurse`:
		mp.Recursive = tvfs.Recurse
	case `recurse_structure`:
		mp.Recursive = tvfs.RecurseWithStructureMods
	default:
		return mp, fmt.Errorf("%w: bad recursion %q in mount %s", ErrBadDocument, m.Recursive, m.TVFSPath)
	}
	return mp, nil
}

func mountFromModel(mp tvfs.MountPoint) xmlMount {
	return xmlMount{
		TVFSPath:   mp.TVFSPath,
		NativePath: mp.NativePath,
		Access:     mp.Access.String(),
		Recursive:  mp.Recursive.String(),
		Autocreate: mp.Autocreate,
	}
}

func listToModel(s string) (*addrlist.List, error) {
	l := addrlist.New(0, 0)
	if strings.TrimSpace(s) == `` {
		return l, nil
	}
	if err := l.Parse(s); err != nil {
		return nil, err
	}
	return l, nil
}

func userToModel(x xmlUser) (*auth.User, error) {
	u := &auth.User{
		Name:        x.Name,
		Enabled:     x.Enabled,
		Credentials: make(map[auth.MethodKind]auth.PasswordHash),
		Groups:      x.Groups,
	}
	if x.Name == `` {
		return nil, fmt.Errorf("%w: user with no name", ErrBadDocument)
	}
	if x.Password != nil {
		salt, err := base64.StdEncoding.DecodeString(x.Password.Salt)
		if err != nil {
			return nil, fmt.Errorf("%w: bad salt for user %s", ErrBadDocument, x.Name)
		}
		hash, err := base64.StdEncoding.DecodeString(x.Password.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: bad hash for user %s", ErrBadDocument, x.Name)
		}
		u.Credentials[auth.MethodKindPassword] = auth.PasswordHash{
			Salt:       salt,
			Hash:       hash,
			Iterations: x.Password.Iterations,
		}
	}
	var err error
	if u.AllowedIPs, err = listToModel(x.Allowed); err != nil {
		return nil, fmt.Errorf("user %s allowed list: %w", x.Name, err)
	}
	if u.DisallowedIPs, err = listToModel(x.Disallowed); err != nil {
		return nil, fmt.Errorf("user %s disallowed list: %w", x.Name, err)
	}
	for _, m := range x.Mounts {
		mp, merr := mountToModel(m)
		if merr != nil {
			return nil, merr
		}
		u.Mounts = append(u.Mounts, mp)
	}
	if x.Limits != nil {
		u.Limits = auth.RateLimits{
			DownloadBps: int64(x.Limits.Download),
			UploadBps:   int64(x.Limits.Upload),
		}
	}
	if x.Impersonation != nil {
		u.Impersonation = &impersonate.Token{
			Uid:      x.Impersonation.UID,
			Gid:      x.Impersonation.GID,
			Username: x.Impersonation.Username,
		}
	}
	return u, nil
}

func userFromModel(u *auth.User) xmlUser {
	x := xmlUser{
		Name:    u.Name,
		Enabled: u.Enabled,
		Groups:  u.Groups,
	}
	if ph, ok := u.Credentials[auth.MethodKindPassword]; ok {
		x.Password = &xmlPassword{
			Iterations: ph.Iterations,
			Salt:       base64.StdEncoding.EncodeToString(ph.Salt),
			Hash:       base64.StdEncoding.EncodeToString(ph.Hash),
		}
	}
	if u.AllowedIPs != nil && !u.AllowedIPs.Empty() {
		x.Allowed = u.AllowedIPs.String()
	}
	if u.DisallowedIPs != nil && !u.DisallowedIPs.Empty() {
		x.Disallowed = u.DisallowedIPs.String()
	}
	for _, mp := range u.Mounts {
		x.Mounts = append(x.Mounts, mountFromModel(mp))
	}
	x.Limits = &xmlLimits{
		Download: SpeedLimit(u.Limits.DownloadBps),
		Upload:   SpeedLimit(u.Limits.UploadBps),
	}
	if u.Impersonation != nil {
		x.Impersonation = &xmlImpersonation{
			UID:      u.Impersonation.Uid,
			GID:      u.Impersonation.Gid,
			Username: u.Impersonation.Username,
		}
	}
	return x
}

func groupToModel(x xmlGroup) (*auth.Group, error) {
	if x.Name == `` {
		return nil, fmt.Errorf("%w: group with no name", ErrBadDocument)
	}
	g := &auth.Group{Name: x.Name}
	var err error
	if g.AllowedIPs, err = listToModel(x.Allowed); err != nil {
		return nil, fmt.Errorf("group %s allowed list: %w", x.Name, err)
	}
	if g.DisallowedIPs, err = listToModel(x.Disallowed); err != nil {
		return nil, fmt.Errorf("group %s disallowed list: %w", x.Name, err)
	}
	for _, m := range x.Mounts {
		mp, merr := mountToModel(m)
		if merr != nil {
			return nil, merr
		}
		g.Mounts = append(g.Mounts, mp)
	}
	if x.Limits != nil {
		g.Limits = auth.RateLimits{
			DownloadBps: int64(x.Limits.Download),
			UploadBps:   int64(x.Limits.Upload),
		}
	}
	return g, nil
}

func groupFromModel(g *auth.Group) xmlGroup {
	x := xmlGroup{Name: g.Name}
	if g.AllowedIPs != nil && !g.AllowedIPs.Empty() {
		x.Allowed = g.AllowedIPs.String()
	}
	if g.DisallowedIPs != nil && !g.DisallowedIPs.Empty() {
		x.Disallowed = g.DisallowedIPs.String()
	}
	for _, mp := range g.Mounts {
		x.Mounts = append(x.Mounts, mountFromModel(mp))
	}
	x.Limits = &xmlLimits{
		Download: SpeedLimit(g.Limits.DownloadBps),
		Upload:   SpeedLimit(g.Limits.UploadBps),
	}
	return x
}

// MarshalUsers renders the users document.
func MarshalUsers(users []*auth.User) ([]byte, error) {
	doc := xmlUsersDoc{Version: documentVersion}
	for _, u := range users {
		doc.Users = append(doc.Users, userFromModel(u))
	}
	b, err := xml.MarshalIndent(doc, ``, "\t")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(b, '\n')...), nil
}

// UnmarshalUsers parses the users document.
func UnmarshalUsers(b []byte) ([]*auth.User, error) {
	var doc xmlUsersDoc
	if err := xml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	out := make([]*auth.User, 0, len(doc.Users))
	for _, x := range doc.Users {
		u, err := userToModel(x)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// MarshalGroups renders the groups document.
func MarshalGroups(groups []*auth.Group) ([]byte, error) {
	doc := xmlGroupsDoc{Version: documentVersion}
	for _, g := range groups {
		doc.Groups = append(doc.Groups, groupFromModel(g))
	}
	b, err := xml.MarshalIndent(doc, ``, "\t")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(b, '\n')...), nil
}

// UnmarshalGroups parses the groups document.
func UnmarshalGroups(b []byte) ([]*auth.Group, error) {
	var doc xmlGroupsDoc
	if err := xml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	out := make([]*auth.Group, 0, len(doc.Groups))
	for _, x := range doc.Groups {
		g, err := groupToModel(x)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// LoadSettings reads settings.xml; a missing file yields defaults.
func LoadSettings(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{Version: documentVersion}, nil
		}
		return nil, err
	}
	var s Settings
	if err = xml.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarshalSettings renders settings.xml.
func MarshalSettings(s *Settings) ([]byte, error) {
	s.Version = documentVersion
	b, err := xml.MarshalIndent(s, ``, "\t")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(b, '\n')...), nil
}
