/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package acmed owns the on-disk ACME certificate store and the
// renewal schedule.  It brokers requests to an underlying ACME
// protocol client and collates the results; the protocol mechanics
// (JWS, HTTP) live behind the Client interface.
package acmed

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio"
	"github.com/minio/highwayhash"
)

const (
	acmeDirName      = `acme`
	accountInfoName  = `account.info`
	keyPEMName       = `key.pem`
	certPEMName      = `cert.pem`
	lastErrorName    = `.last_error`
)

// certIDKey keys the hostname hash; it only needs to be stable, not
// secret.
var certIDKey = []byte(`ftpd-acme-certificate-id-hash-01`)

// CertInfo identifies one managed certificate: the account that owns
// it and the hostnames it covers.
type CertInfo struct {
	AccountID string
	Hostnames []string
}

// CertID derives the stable directory name for the hostname set;
// ordering of hostnames does not matter.
func (ci CertInfo) CertID() string {
	hs := append([]string{}, ci.Hostnames...)
	sort.Strings(hs)
	sum := highwayhash.Sum128([]byte(strings.Join(hs, "\n")), certIDKey)
	return hex.EncodeToString(sum[:])
}

func (ci CertInfo) Equal(o CertInfo) bool {
	return ci.AccountID == o.AccountID && ci.CertID() == o.CertID()
}

// Store computes the on-disk layout under a root directory:
// <root>/acme/<account>/account.info and
// <root>/acme/<account>/<certid>/{key.pem,cert.pem,.last_error}.
type Store struct {
	Root string
}

func (s Store) accountDir(accountID string) string {
	return filepath.Join(s.Root, acmeDirName, accountID)
}

func (s Store) AccountInfoPath(accountID string) string {
	return filepath.Join(s.accountDir(accountID), accountInfoName)
}

func (s Store) CertDir(ci CertInfo) string {
	return filepath.Join(s.accountDir(ci.AccountID), ci.CertID())
}

func (s Store) KeyPath(ci CertInfo) string {
	return filepath.Join(s.CertDir(ci), keyPEMName)
}

func (s Store) CertPath(ci CertInfo) string {
	return filepath.Join(s.CertDir(ci), certPEMName)
}

func (s Store) LastErrorPath(ci CertInfo) string {
	return filepath.Join(s.CertDir(ci), lastErrorName)
}

// ExtraAccountInfo is the JSON document stored next to an account's
// certificates.
type ExtraAccountInfo struct {
	Kid       string   `json:"kid"`
	Directory string   `json:"directory"`
	CreatedAt string   `json:"createdAt"`
	Jwk       JwkPair  `json:"jwk"`
	Contact   []string `json:"contact"`
}

type JwkPair struct {
	Priv string `json:"priv"`
	Pub  string `json:"pub"`
}

// Save writes account.info atomically.
func (x ExtraAccountInfo) Save(s Store, accountID string) error {
	if err := os.MkdirAll(s.accountDir(accountID), 0750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(x, ``, "\t")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.AccountInfoPath(accountID), b, 0640)
}

// LoadAccountInfo reads account.info back.
func LoadAccountInfo(s Store, accountID string) (x ExtraAccountInfo, err error) {
	b, err := os.ReadFile(s.AccountInfoPath(accountID))
	if err != nil {
		return
	}
	err = json.Unmarshal(b, &x)
	return
}

// WriteCertificate stores a freshly issued key/chain pair and clears
// any retry baseline.
func (s Store) WriteCertificate(ci CertInfo, keyPEM, certPEM []byte) error {
	dir := s.CertDir(ci)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	if err := renameio.WriteFile(s.KeyPath(ci), keyPEM, 0600); err != nil {
		return err
	}
	if err := renameio.WriteFile(s.CertPath(ci), certPEM, 0640); err != nil {
		return err
	}
	os.Remove(s.LastErrorPath(ci))
	return nil
}

// WriteLastError records a renewal failure; the file's mtime becomes
// the retry baseline.
func (s Store) WriteLastError(ci CertInfo, msg string) error {
	if err := os.MkdirAll(s.CertDir(ci), 0750); err != nil {
		return err
	}
	return renameio.WriteFile(s.LastErrorPath(ci), []byte(msg), 0640)
}

var ErrNoCertificate = errors.New("no certificate in PEM data")

// CertValidity extracts activation and expiration from a stored
// certificate chain.
func CertValidity(certPEM []byte) (notBefore, notAfter time.Time, err error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != `CERTIFICATE` {
		err = ErrNoCertificate
		return
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return
	}
	return cert.NotBefore, cert.NotAfter, nil
}

// RenewDate computes when a certificate becomes due: two thirds of
// the validity period after activation, or retryDelay past the last
// failed attempt when a retry baseline exists.
func (s Store) RenewDate(ci CertInfo, retryDelay time.Duration) (time.Time, error) {
	if fi, err := os.Stat(s.LastErrorPath(ci)); err == nil {
		return fi.ModTime().Add(retryDelay), nil
	}
	b, err := os.ReadFile(s.CertPath(ci))
	if err != nil {
		return time.Time{}, err
	}
	notBefore, notAfter, err := CertValidity(b)
	if err != nil {
		return time.Time{}, err
	}
	return notBefore.Add(notAfter.Sub(notBefore) * 2 / 3), nil
}

// ListCertificates walks the store and returns every certificate
// directory that holds a cert.pem, as pairs of account id and
// directory name.
func (s Store) ListCertificates() (out []storedCert, err error) {
	accounts, err := os.ReadDir(filepath.Join(s.Root, acmeDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, acct := range accounts {
		if !acct.IsDir() {
			continue
		}
		certs, cerr := os.ReadDir(s.accountDir(acct.Name()))
		if cerr != nil {
			continue
		}
		for _, cd := range certs {
			if !cd.IsDir() {
				continue
			}
			certPath := filepath.Join(s.accountDir(acct.Name()), cd.Name(), certPEMName)
			if _, serr := os.Stat(certPath); serr != nil {
				continue
			}
			out = append(out, storedCert{
				accountID: acct.Name(),
				certID:    cd.Name(),
			})
		}
	}
	return
}

type storedCert struct {
	accountID string
	certID    string
}
