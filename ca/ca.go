/*Package ca manages the certificate authority for player devices.

The manager issues client certificates bound to device identities and
maintains the certificate revocation list. Revocation is monotonic: a serial
number, once revoked, is never re-trusted. A device that needs new
credentials always gets a certificate with a fresh serial number.
*/
package ca

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"encoding/pem"

	"github.com/google/uuid"
)

// The error conditions of the certificate authority.
var (
	// ErrCAUnavailable means the CA signing material cannot be loaded. This is
	// fatal to issuance, but not to existing connections.
	ErrCAUnavailable = errors.New("certificate authority unavailable")
	// ErrIdentityConflict means the device already holds an active,
	// non-revoked certificate. The caller must revoke first.
	ErrIdentityConflict = errors.New("device already holds an active certificate")
	// ErrRevocationPersistFailed means the serial was revoked in memory but
	// the updated revocation list could not be persisted. The revocation must
	// be retried out-of-band.
	ErrRevocationPersistFailed = errors.New("revocation list could not be persisted")
)

// Manager is the certificate authority for player devices.
type Manager struct {
	caCert    *x509.Certificate
	caKey     crypto.Signer
	caCertPEM []byte

	crlFile      string
	certValidity time.Duration
	crlValidity  time.Duration
	keyBits      int

	// mutex serializes issuance bookkeeping and all revocation list writes.
	// Revocation checks read a lock-free snapshot instead.
	mutex     sync.Mutex
	revoked   map[string]time.Time
	active    map[uuid.UUID]string
	activeIDs map[string]uuid.UUID
	crlNumber int64

	snapshot atomic.Value // map[string]struct{}
}

// Builder is a builder helper for the Manager
type Builder struct {
	// CACertFile is the file path to the X.509 certificate of the certificate
	// authority. This is mandatory.
	CACertFile string
	// CAKeyFile is the file path to the PKCS#8 private key of the certificate
	// authority. This is mandatory.
	CAKeyFile string
	// CRLFile is the file path where the signed revocation list is
	// persisted. This is mandatory.
	CRLFile string
	// CertValidity is the validity window for issued device certificates.
	// Defaults to one year.
	CertValidity time.Duration
	// CRLValidity is the validity window of the signed revocation list.
	// The list is re-signed before this window elapses, even with no new
	// revocations, so that enforcement points never see a stale list.
	// Defaults to seven days.
	CRLValidity time.Duration
	// KeyBits is the RSA key size for device keys. Defaults to 4096.
	KeyBits int
}

// NewManager loads the CA signing material and returns a new manager.
// It returns an error wrapping ErrCAUnavailable if the material cannot
// be loaded.
func NewManager(b *Builder) (*Manager, error) {

	if len(b.CACertFile) == 0 {
		panic("ca-cert file missing")
	}
	if len(b.CAKeyFile) == 0 {
		panic("ca-key file missing")
	}
	if len(b.CRLFile) == 0 {
		panic("crl file missing")
	}

	caCertData, err := os.ReadFile(b.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCAUnavailable, err)
	}
	caCertDataPEM, _ := pem.Decode(caCertData)
	if caCertDataPEM == nil {
		return nil, fmt.Errorf("%w: %s is not PEM", ErrCAUnavailable, b.CACertFile)
	}
	caCert, err := x509.ParseCertificate(caCertDataPEM.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCAUnavailable, err)
	}

	caKeyData, err := os.ReadFile(b.CAKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCAUnavailable, err)
	}
	caKeyDataPEM, _ := pem.Decode(caKeyData)
	if caKeyDataPEM == nil {
		return nil, fmt.Errorf("%w: %s is not PEM", ErrCAUnavailable, b.CAKeyFile)
	}
	caKey, err := x509.ParsePKCS8PrivateKey(caKeyDataPEM.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCAUnavailable, err)
	}
	signer, ok := caKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T cannot sign", ErrCAUnavailable, caKey)
	}

	certValidity := b.CertValidity
	if certValidity == 0 {
		certValidity = 365 * 24 * time.Hour
	}
	crlValidity := b.CRLValidity
	if crlValidity == 0 {
		crlValidity = 7 * 24 * time.Hour
	}
	keyBits := b.KeyBits
	if keyBits == 0 {
		keyBits = 4096
	}

	m := &Manager{
		caCert:       caCert,
		caKey:        signer,
		caCertPEM:    caCertData,
		crlFile:      b.CRLFile,
		certValidity: certValidity,
		crlValidity:  crlValidity,
		keyBits:      keyBits,
		revoked:      make(map[string]time.Time),
		active:       make(map[uuid.UUID]string),
		activeIDs:    make(map[string]uuid.UUID),
	}
	m.snapshot.Store(map[string]struct{}{})
	return m, nil
}

// CACertPEM returns the PEM encoded certificate of the certificate authority.
func (m *Manager) CACertPEM() []byte {
	return m.caCertPEM
}

// IssueCertificate generates a key pair for the device, signs a client
// certificate bound to the device identity and records the serial as active.
//
// It returns ErrIdentityConflict if the device already holds an active,
// non-revoked certificate; the caller must revoke that certificate first.
// The active-certificate bookkeeping is held in memory and starts empty
// after a restart; the device registry's provisioning status is the durable
// gate against issuing a second certificate to the same identity.
func (m *Manager) IssueCertificate(deviceID uuid.UUID) (certPEM, keyPEM []byte, serial *big.Int, err error) {
	if m.caKey == nil {
		return nil, nil, nil, ErrCAUnavailable
	}

	m.mutex.Lock()
	if _, ok := m.active[deviceID]; ok {
		m.mutex.Unlock()
		return nil, nil, nil, ErrIdentityConflict
	}
	m.mutex.Unlock()

	serial, err = newSerialNumber()
	if err != nil {
		return nil, nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: deviceID.String(),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(m.certValidity),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}

	// this is the part that takes time
	certPrivKey, err := rsa.GenerateKey(rand.Reader, m.keyBits)
	if err != nil {
		return nil, nil, nil, err
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &certPrivKey.PublicKey, m.caKey)
	if err != nil {
		return nil, nil, nil, err
	}

	certBuf := new(bytes.Buffer)
	pem.Encode(certBuf, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certBytes,
	})
	keyBuf := new(bytes.Buffer)
	pem.Encode(keyBuf, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(certPrivKey),
	})

	key := serialKey(serial)
	m.mutex.Lock()
	// the device may have raced another issuance for the same identity
	if _, ok := m.active[deviceID]; ok {
		m.mutex.Unlock()
		return nil, nil, nil, ErrIdentityConflict
	}
	m.active[deviceID] = key
	m.activeIDs[key] = deviceID
	m.mutex.Unlock()

	return certBuf.Bytes(), keyBuf.Bytes(), serial, nil
}

// ActiveSerial returns the serial of the device's active certificate, if any.
func (m *Manager) ActiveSerial(deviceID uuid.UUID) (*big.Int, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	key, ok := m.active[deviceID]
	if !ok {
		return nil, false
	}
	serial, ok := new(big.Int).SetString(key, 16)
	return serial, ok
}

// ParseSerial parses a serial number in the hexadecimal form produced by
// SerialString.
func ParseSerial(s string) (*big.Int, bool) {
	if len(s) == 0 {
		return nil, false
	}
	return new(big.Int).SetString(s, 16)
}

// SerialString returns the canonical hexadecimal form of a serial number,
// suitable for storing in the device registry.
func SerialString(serial *big.Int) string {
	return serialKey(serial)
}

func serialKey(serial *big.Int) string {
	return serial.Text(16)
}

func newSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, err
	}
	return serial, nil
}
