package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/artcast-tech/artcast/core/logger"
)

// InitializeCRL brings the revocation list file into a valid state before
// the broker starts accepting connections.
//
// If a revocation list file already exists, its entries seed the in-memory
// revocation set. If no file exists, an empty list is signed and persisted,
// so that enforcement points always have a valid list to load.
func (m *Manager) InitializeCRL() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	data, err := os.ReadFile(m.crlFile)
	if os.IsNotExist(err) {
		logger.Default().Infoln("no revocation list yet, signing an empty one at", m.crlFile)
		return m.persistCRLLocked()
	}
	if err != nil {
		return err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("revocation list %s is not PEM", m.crlFile)
	}
	list, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return fmt.Errorf("cannot parse revocation list %s: %w", m.crlFile, err)
	}

	for _, entry := range list.RevokedCertificateEntries {
		m.revoked[serialKey(entry.SerialNumber)] = entry.RevocationTime
	}
	if list.Number != nil {
		m.crlNumber = list.Number.Int64()
	}
	m.publishSnapshotLocked()

	logger.Default().Infof("loaded revocation list #%d with %d entries", m.crlNumber, len(m.revoked))

	// re-sign right away if the loaded list is about to go stale
	if time.Until(list.NextUpdate) < m.crlValidity/2 {
		return m.persistCRLLocked()
	}
	return nil
}

// Revoke adds the serial to the revocation list, re-signs the list and
// atomically persists it.
//
// Revoking an already-revoked serial is a no-op that still succeeds: the
// caller's intent, that this serial can never authenticate again, is already
// satisfied. Revoking a serial that was never issued succeeds for the same
// reason.
//
// If persisting fails, the serial remains revoked in memory so that this
// process keeps rejecting it, and an error wrapping
// ErrRevocationPersistFailed is returned for out-of-band retry.
func (m *Manager) Revoke(serial *big.Int) error {
	key := serialKey(serial)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.revoked[key]; ok {
		return nil
	}
	m.revoked[key] = time.Now().UTC()
	if deviceID, ok := m.activeIDs[key]; ok {
		delete(m.activeIDs, key)
		delete(m.active, deviceID)
	}
	m.publishSnapshotLocked()

	if err := m.persistCRLLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationPersistFailed, err)
	}
	return nil
}

// IsRevoked reports whether the serial is on the revocation list. The check
// is lock-free against an immutable snapshot and is performed on every
// connection attempt.
func (m *Manager) IsRevoked(serial *big.Int) bool {
	snapshot := m.snapshot.Load().(map[string]struct{})
	_, ok := snapshot[serialKey(serial)]
	return ok
}

// RefreshCRL re-signs and persists the revocation list with a fresh validity
// window, without changing its entries.
func (m *Manager) RefreshCRL() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.persistCRLLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationPersistFailed, err)
	}
	return nil
}

// RunCRLRefresher periodically re-signs the revocation list so that it never
// goes stale, even when there are no new revocations. It blocks until the
// context is cancelled.
func (m *Manager) RunCRLRefresher(ctx context.Context) {
	interval := m.crlValidity / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RefreshCRL(); err != nil {
				logger.Default().WithError(err).Error("periodic revocation list refresh failed")
			}
		}
	}
}

// publishSnapshotLocked publishes an immutable copy of the revocation set
// for lock-free reads. Callers must hold the mutex.
func (m *Manager) publishSnapshotLocked() {
	snapshot := make(map[string]struct{}, len(m.revoked))
	for key := range m.revoked {
		snapshot[key] = struct{}{}
	}
	m.snapshot.Store(snapshot)
}

// persistCRLLocked signs the current revocation set and writes it to the
// revocation list file with write-new-then-rename, so that concurrent
// revocations can never corrupt or lose entries already present.
// Callers must hold the mutex.
func (m *Manager) persistCRLLocked() error {
	entries := make([]x509.RevocationListEntry, 0, len(m.revoked))
	for key, revokedAt := range m.revoked {
		serial, ok := new(big.Int).SetString(key, 16)
		if !ok {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: revokedAt,
		})
	}

	m.crlNumber++
	now := time.Now().UTC()
	template := &x509.RevocationList{
		Number:                    big.NewInt(m.crlNumber),
		ThisUpdate:                now,
		NextUpdate:                now.Add(m.crlValidity),
		RevokedCertificateEntries: entries,
	}

	crlDER, err := x509.CreateRevocationList(rand.Reader, template, m.caCert, m.caKey)
	if err != nil {
		m.crlNumber--
		return fmt.Errorf("signing revocation list: %w", err)
	}
	crlPEM := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crlDER})

	tmp := m.crlFile + ".tmp"
	if err := os.WriteFile(tmp, crlPEM, 0644); err != nil {
		m.crlNumber--
		return err
	}
	if err := os.Rename(tmp, m.crlFile); err != nil {
		m.crlNumber--
		os.Remove(tmp)
		return err
	}
	logger.Default().Debugf("persisted revocation list #%d (%d entries) to %s",
		m.crlNumber, len(entries), filepath.Base(m.crlFile))
	return nil
}
