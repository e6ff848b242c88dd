/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package acmed

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravwell/ftpd/ftplog"
)

var (
	retryDelay = 5 * time.Minute
	//maximum tolerated clock difference versus the ACME server
	maxAllowedTimeDifference = 24 * time.Hour

	maxTimerArm = 24 * time.Hour
	closeArm    = time.Minute
)

var (
	ErrNoRootPath   = errors.New("acme daemon root path is not set")
	ErrDaemonClosed = errors.New("acme daemon is closed")
)

// OpID tags one operation brokered to the protocol client.
type OpID = uuid.UUID

// Results the protocol client delivers back to the daemon.
type TermsResult struct {
	ID    OpID
	Terms string
	Err   error
}

type AccountResult struct {
	ID        OpID
	AccountID string
	Extra     ExtraAccountInfo
	Err       error
}

type CertResult struct {
	ID      OpID
	KeyPEM  []byte
	CertPEM []byte
	Err     error
}

// ResultSink is implemented by the daemon; the protocol client calls
// back into it as operations complete.
type ResultSink interface {
	OnTerms(TermsResult)
	OnAccount(AccountResult)
	OnCertificate(CertResult)
}

// Client is the request/response contract with the ACME protocol
// implementation.  Every call returns an opaque operation id; the
// result arrives at the sink tagged with that id.
type Client interface {
	GetTermsOfService(directory string) (OpID, error)
	CreateAccount(directory string, contacts []string) (OpID, error)
	CreateCertificate(account ExtraAccountInfo, hostnames []string) (OpID, error)
}

type opHandlers struct {
	onTerms   func(string)
	onAccount func(string, ExtraAccountInfo)
	onCert    func(CertResult)
	onError   func(string)
	//renewal bookkeeping, set only for renewals the daemon started
	renewing *CertInfo
}

// Daemon schedules certificate renewal and owns the store layout.  It
// is purely a scheduler and storage manager: protocol work is brokered
// to the Client and results are routed through the id→handler map.
type Daemon struct {
	mtx         sync.Mutex
	lgr         *ftplog.Logger
	store       Store
	client      Client
	usedCerts   []CertInfo
	id2handlers map[OpID]opHandlers
	renewTimer  *time.Timer
	closed      bool
}

func NewDaemon(lgr *ftplog.Logger, client Client) *Daemon {
	return &Daemon{
		lgr:         lgr,
		client:      client,
		id2handlers: make(map[OpID]opHandlers),
	}
}

// SetClient installs the protocol client; daemon and client reference
// each other, so one of the two is wired up after construction.
func (d *Daemon) SetClient(client Client) {
	d.mtx.Lock()
	d.client = client
	d.mtx.Unlock()
}

// SetRootPath points the daemon at the certificate store and
// re-evaluates the renewal plan.
func (d *Daemon) SetRootPath(root string) {
	d.mtx.Lock()
	d.store = Store{Root: root}
	d.mtx.Unlock()
	d.planRenewals()
}

// SetCertificateUsedStatus declares whether a certificate is
// referenced by any live server configuration; only used certificates
// are renewed.
func (d *Daemon) SetCertificateUsedStatus(ci CertInfo, used bool) {
	d.mtx.Lock()
	idx := -1
	for i := range d.usedCerts {
		if d.usedCerts[i].Equal(ci) {
			idx = i
			break
		}
	}
	switch {
	case used && idx < 0:
		d.usedCerts = append(d.usedCerts, ci)
	case !used && idx >= 0:
		d.usedCerts = append(d.usedCerts[:idx], d.usedCerts[idx+1:]...)
	default:
		d.mtx.Unlock()
		return
	}
	d.mtx.Unlock()
	d.planRenewals()
}

// GetTermsOfService fetches the directory's terms for interactive
// account creation.
func (d *Daemon) GetTermsOfService(directory string, onTerms func(string), onError func(string)) {
	id, err := d.client.GetTermsOfService(directory)
	if err != nil {
		if onError != nil {
			onError("could not start terms-of-service fetch: " + err.Error())
		}
		return
	}
	d.mtx.Lock()
	d.id2handlers[id] = opHandlers{onTerms: onTerms, onError: onError}
	d.mtx.Unlock()
}

// CreateAccount registers a new ACME account and persists it into the
// store.
func (d *Daemon) CreateAccount(directory string, contacts []string, onAccount func(string, ExtraAccountInfo), onError func(string)) {
	d.mtx.Lock()
	store := d.store
	d.mtx.Unlock()
	if store.Root == `` {
		if onError != nil {
			onError(ErrNoRootPath.Error())
		}
		return
	}
	id, err := d.client.CreateAccount(directory, contacts)
	if err != nil {
		if onError != nil {
			onError("could not start account creation: " + err.Error())
		}
		return
	}
	d.mtx.Lock()
	d.id2handlers[id] = opHandlers{onAccount: onAccount, onError: onError}
	d.mtx.Unlock()
}

// RestoreAccount re-installs a previously exported account.
func (d *Daemon) RestoreAccount(accountID string, extra ExtraAccountInfo, onDone func(), onError func(string)) {
	d.mtx.Lock()
	store := d.store
	d.mtx.Unlock()
	if store.Root == `` {
		if onError != nil {
			onError(ErrNoRootPath.Error())
		}
		return
	}
	if err := extra.Save(store, accountID); err != nil {
		if onError != nil {
			onError("failed restoring account: " + err.Error())
		}
		return
	}
	if onDone != nil {
		onDone()
	}
	d.planRenewals()
}

// CreateCertificate orders a certificate for the hostname set under
// the given account and stores the result.
func (d *Daemon) CreateCertificate(ci CertInfo, onDone func(CertResult), onError func(string)) {
	d.mtx.Lock()
	store := d.store
	d.mtx.Unlock()
	if store.Root == `` {
		if onError != nil {
			onError(ErrNoRootPath.Error())
		}
		return
	}
	extra, err := LoadAccountInfo(store, ci.AccountID)
	if err != nil {
		if onError != nil {
			onError("failed loading account: " + err.Error())
		}
		return
	}
	id, err := d.client.CreateCertificate(extra, ci.Hostnames)
	if err != nil {
		if onError != nil {
			onError("could not start certificate order: " + err.Error())
		}
		return
	}
	cc := ci
	d.mtx.Lock()
	d.id2handlers[id] = opHandlers{onCert: onDone, onError: onError, renewing: &cc}
	d.mtx.Unlock()
}

// OnTerms implements ResultSink.
func (d *Daemon) OnTerms(res TermsResult) {
	h, ok := d.takeHandlers(res.ID)
	if !ok {
		return
	}
	if res.Err != nil {
		if h.onError != nil {
			h.onError(res.Err.Error())
		}
		return
	}
	if h.onTerms != nil {
		h.onTerms(res.Terms)
	}
}

// OnAccount implements ResultSink.
func (d *Daemon) OnAccount(res AccountResult) {
	h, ok := d.takeHandlers(res.ID)
	if !ok {
		return
	}
	if res.Err != nil {
		if h.onError != nil {
			h.onError(res.Err.Error())
		}
		return
	}
	d.mtx.Lock()
	store := d.store
	d.mtx.Unlock()
	if err := res.Extra.Save(store, res.AccountID); err != nil {
		if h.onError != nil {
			h.onError("failed saving account: " + err.Error())
		}
		return
	}
	if h.onAccount != nil {
		h.onAccount(res.AccountID, res.Extra)
	}
}

// OnCertificate implements ResultSink.  Success clears the retry
// baseline; failure establishes one.  Either way the plan is redone.
func (d *Daemon) OnCertificate(res CertResult) {
	h, ok := d.takeHandlers(res.ID)
	if !ok {
		return
	}
	d.mtx.Lock()
	store := d.store
	d.mtx.Unlock()
	if h.renewing != nil {
		ci := *h.renewing
		if res.Err != nil {
			if werr := store.WriteLastError(ci, res.Err.Error()); werr != nil {
				d.lgr.Error("failed to record renewal error",
					ftplog.KV(`account`, ci.AccountID), ftplog.KV(`error`, werr.Error()))
			}
			d.lgr.Warn("certificate renewal failed",
				ftplog.KV(`account`, ci.AccountID), ftplog.KV(`error`, res.Err.Error()))
		} else if err := d.checkAndStore(store, ci, res); err != nil {
			store.WriteLastError(ci, err.Error())
			d.lgr.Error("failed to store renewed certificate",
				ftplog.KV(`account`, ci.AccountID), ftplog.KV(`error`, err.Error()))
		} else {
			d.lgr.Info("certificate renewed", ftplog.KV(`account`, ci.AccountID))
		}
	}
	if res.Err != nil {
		if h.onError != nil {
			h.onError(res.Err.Error())
		}
	} else if h.onCert != nil {
		h.onCert(res)
	}
	d.planRenewals()
}

// checkAndStore validates clock sanity before accepting a new
// certificate.
func (d *Daemon) checkAndStore(store Store, ci CertInfo, res CertResult) error {
	notBefore, _, err := CertValidity(res.CertPEM)
	if err != nil {
		return err
	}
	if skew := time.Until(notBefore); skew > maxAllowedTimeDifference {
		return errors.New("certificate activation is too far in the future, check the system clock")
	}
	return store.WriteCertificate(ci, res.KeyPEM, res.CertPEM)
}

func (d *Daemon) takeHandlers(id OpID) (opHandlers, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	h, ok := d.id2handlers[id]
	if ok {
		delete(d.id2handlers, id)
	}
	return h, ok
}

// planRenewals runs on config change, on timer fire, and after every
// renewal attempt: it selects the in-use certificate with the earliest
// renew date and either starts renewal or arms the timer.
func (d *Daemon) planRenewals() {
	d.mtx.Lock()
	if d.closed || d.store.Root == `` {
		d.mtx.Unlock()
		return
	}
	store := d.store
	used := append([]CertInfo{}, d.usedCerts...)
	if d.renewTimer != nil {
		d.renewTimer.Stop()
		d.renewTimer = nil
	}
	d.mtx.Unlock()

	stored, err := store.ListCertificates()
	if err != nil {
		d.lgr.Error("failed to walk certificate store", ftplog.KV(`error`, err.Error()))
		return
	}
	var dueCert *CertInfo
	var dueAt time.Time
	for _, sc := range stored {
		var inUse *CertInfo
		for i := range used {
			if used[i].AccountID == sc.accountID && used[i].CertID() == sc.certID {
				inUse = &used[i]
				break
			}
		}
		if inUse == nil {
			continue
		}
		when, rerr := store.RenewDate(*inUse, retryDelay)
		if rerr != nil {
			continue
		}
		if dueCert == nil || when.Before(dueAt) {
			cc := *inUse
			dueCert = &cc
			dueAt = when
		}
	}
	if dueCert == nil {
		return
	}
	now := time.Now()
	if !dueAt.After(now) {
		d.lgr.Info("starting certificate renewal",
			ftplog.KV(`account`, dueCert.AccountID))
		d.CreateCertificate(*dueCert, nil, nil)
		return
	}
	//arm the timer: at most a day out, and sharpened to the exact
	//moment once it is close
	arm := dueAt.Sub(now)
	if arm > maxTimerArm {
		arm = maxTimerArm
	} else if arm > closeArm {
		//wake a little early, the re-plan will refine
		arm -= closeArm / 2
	}
	d.mtx.Lock()
	if !d.closed {
		d.renewTimer = time.AfterFunc(arm, d.planRenewals)
	}
	d.mtx.Unlock()
}

func (d *Daemon) Close() {
	d.mtx.Lock()
	d.closed = true
	if d.renewTimer != nil {
		d.renewTimer.Stop()
		d.renewTimer = nil
	}
	d.id2handlers = make(map[OpID]opHandlers)
	d.mtx.Unlock()
}
