/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package acmed

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/acme"
)

// ChallengeSolver publishes http-01 challenge responses; how they are
// served (standalone listener, well-known directory, frontend hook) is
// the caller's business.
type ChallengeSolver interface {
	Serve(token, keyAuth string) error
	Cleanup(token string)
}

var (
	ErrNoChallenge = errors.New("no supported challenge offered")
	opTimeout      = 5 * time.Minute
)

// ProtoClient implements the daemon's Client contract on top of
// golang.org/x/crypto/acme.  Every operation runs on its own
// goroutine and reports to the sink.
type ProtoClient struct {
	sink   ResultSink
	solver ChallengeSolver
}

func NewProtoClient(sink ResultSink, solver ChallengeSolver) *ProtoClient {
	return &ProtoClient{
		sink:   sink,
		solver: solver,
	}
}

func (pc *ProtoClient) GetTermsOfService(directory string) (OpID, error) {
	id := uuid.New()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		cl := &acme.Client{DirectoryURL: directory}
		dir, err := cl.Discover(ctx)
		pc.sink.OnTerms(TermsResult{ID: id, Terms: dir.Terms, Err: err})
	}()
	return id, nil
}

func (pc *ProtoClient) CreateAccount(directory string, contacts []string) (OpID, error) {
	id := uuid.New()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		res := AccountResult{ID: id}
		defer func() {
			pc.sink.OnAccount(res)
		}()
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			res.Err = err
			return
		}
		cl := &acme.Client{Key: key, DirectoryURL: directory}
		acct, err := cl.Register(ctx, &acme.Account{Contact: contacts}, acme.AcceptTOS)
		if err != nil {
			res.Err = err
			return
		}
		priv, pub, err := encodeKeyPair(key)
		if err != nil {
			res.Err = err
			return
		}
		res.AccountID = uuid.New().String()
		res.Extra = ExtraAccountInfo{
			Kid:       acct.URI,
			Directory: directory,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			Jwk:       JwkPair{Priv: priv, Pub: pub},
			Contact:   contacts,
		}
	}()
	return id, nil
}

func (pc *ProtoClient) CreateCertificate(account ExtraAccountInfo, hostnames []string) (OpID, error) {
	if len(hostnames) == 0 {
		return OpID{}, errors.New("no hostnames requested")
	}
	if pc.solver == nil {
		return OpID{}, errors.New("no challenge solver configured")
	}
	id := uuid.New()
	go func() {
		res := CertResult{ID: id}
		res.KeyPEM, res.CertPEM, res.Err = pc.order(account, hostnames)
		pc.sink.OnCertificate(res)
	}()
	return id, nil
}

func (pc *ProtoClient) order(account ExtraAccountInfo, hostnames []string) (keyPEM, certPEM []byte, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	acctKey, err := decodePrivateKey(account.Jwk.Priv)
	if err != nil {
		return nil, nil, err
	}
	cl := &acme.Client{Key: acctKey, DirectoryURL: account.Directory}
	order, err := cl.AuthorizeOrder(ctx, acme.DomainIDs(hostnames...))
	if err != nil {
		return nil, nil, err
	}
	for _, zurl := range order.AuthzURLs {
		z, zerr := cl.GetAuthorization(ctx, zurl)
		if zerr != nil {
			return nil, nil, zerr
		}
		if z.Status == acme.StatusValid {
			continue
		}
		var chal *acme.Challenge
		for _, c := range z.Challenges {
			if c.Type == `http-01` {
				chal = c
				break
			}
		}
		if chal == nil {
			return nil, nil, ErrNoChallenge
		}
		ka, kerr := cl.HTTP01ChallengeResponse(chal.Token)
		if kerr != nil {
			return nil, nil, kerr
		}
		if err = pc.solver.Serve(chal.Token, ka); err != nil {
			return nil, nil, err
		}
		_, err = cl.Accept(ctx, chal)
		if err == nil {
			_, err = cl.WaitAuthorization(ctx, z.URI)
		}
		pc.solver.Cleanup(chal.Token)
		if err != nil {
			return nil, nil, err
		}
	}
	if _, err = cl.WaitOrder(ctx, order.URI); err != nil {
		return nil, nil, err
	}
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: hostnames[0]},
		DNSNames: hostnames,
	}, certKey)
	if err != nil {
		return nil, nil, err
	}
	ders, _, err := cl.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, nil, err
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: `EC PRIVATE KEY`, Bytes: keyDER})
	for _, der := range ders {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: `CERTIFICATE`, Bytes: der})...)
	}
	return keyPEM, certPEM, nil
}

func encodeKeyPair(key *ecdsa.PrivateKey) (priv, pub string, err error) {
	privDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return
	}
	priv = string(pem.EncodeToMemory(&pem.Block{Type: `EC PRIVATE KEY`, Bytes: privDER}))
	pub = string(pem.EncodeToMemory(&pem.Block{Type: `PUBLIC KEY`, Bytes: pubDER}))
	return
}

func decodePrivateKey(privPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil {
		return nil, errors.New("no key in account data")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
