package credentials_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/artcast-tech/artcast/ca"
	"github.com/artcast-tech/artcast/core/access"
	"github.com/artcast-tech/artcast/core/csql"
	"github.com/artcast-tech/artcast/credentials"
	"github.com/artcast-tech/artcast/devices"
	"github.com/artcast-tech/artcast/ratelimit"
)

type memoryCounterStore struct {
	counts map[string]int64
}

func (s *memoryCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if s.counts == nil {
		s.counts = make(map[string]int64)
	}
	s.counts[key]++
	return s.counts[key], nil
}

// ProvisioningSuite exercises the DB-backed provisioning lifecycle against a
// dockerized postgres: register, one-shot bundle download, reprovision,
// delete, with certificate revocation checked at every trust transition.
type ProvisioningSuite struct {
	suite.Suite
	postgresContainer testcontainers.Container
	db                *csql.DB
	caManager         *ca.Manager
	router            *mux.Router
}

func TestProvisioningSuite(t *testing.T) {
	suite.Run(t, new(ProvisioningSuite))
}

func (s *ProvisioningSuite) SetupSuite() {
	ctx := context.Background()

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB),
		"provisioningtest")

	s.caManager = s.newCA()
	s.Require().NoError(s.caManager.InitializeCRL())

	limiter := ratelimit.NewLimiter(&memoryCounterStore{}, nil)

	s.router = mux.NewRouter()
	s.router.Use(s.userMiddleware)
	access.HandleAuthorizationRoute(s.router)
	devices.NewAPI(&devices.Builder{
		DB:      s.db,
		Router:  s.router,
		CA:      s.caManager,
		Limiter: limiter,
	})
	credentials.NewAPI(&credentials.Builder{
		DB:         s.db,
		Router:     s.router,
		CA:         s.caManager,
		Limiter:    limiter,
		BrokerHost: "broker.test",
		BrokerPort: 8883,
	})
}

func (s *ProvisioningSuite) TearDownSuite() {
	if s.db != nil {
		s.db.ClearSchema()
		s.db.Close()
	}
	if s.postgresContainer != nil {
		s.Require().NoError(s.postgresContainer.Terminate(context.Background()))
	}
}

// newCA generates a throw-away CA on disk. Small keys, this is a test.
func (s *ProvisioningSuite) newCA() *ca.Manager {
	dir := s.T().TempDir()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "artcast test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	s.Require().NoError(err)

	certFile := filepath.Join(dir, "ca.crt")
	s.Require().NoError(os.WriteFile(certFile, pem.EncodeToMemory(
		&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0644))
	keyDER, err := x509.MarshalPKCS8PrivateKey(caKey)
	s.Require().NoError(err)
	keyFile := filepath.Join(dir, "ca.key")
	s.Require().NoError(os.WriteFile(keyFile, pem.EncodeToMemory(
		&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600))

	manager, err := ca.NewManager(&ca.Builder{
		CACertFile: certFile,
		CAKeyFile:  keyFile,
		CRLFile:    filepath.Join(dir, "test.crl"),
		KeyBits:    2048,
	})
	s.Require().NoError(err)
	return manager
}

// userMiddleware stands in for the platform's JWT middleware: a request with
// an X-Test-User header acts as that user.
func (s *ProvisioningSuite) userMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get("X-Test-User"); user != "" {
			auth := access.Authorization{
				Roles:     []string{"user"},
				Selectors: map[string]string{"user_id": user},
			}
			r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
		}
		h.ServeHTTP(w, r)
	})
}

func (s *ProvisioningSuite) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, reader)
	for key, value := range headers {
		r.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, r)
	return rec
}

func (s *ProvisioningSuite) parseSerial(certPEM string, deviceID uuid.UUID) *big.Int {
	block, _ := pem.Decode([]byte(certPEM))
	s.Require().NotNil(block)
	cert, err := x509.ParseCertificate(block.Bytes)
	s.Require().NoError(err)
	s.Equal(deviceID.String(), cert.Subject.CommonName)
	return cert.SerialNumber
}

func (s *ProvisioningSuite) TestProvisioningLifecycle() {
	asUser := map[string]string{"X-Test-User": "user-1"}

	// register a player
	rec := s.do(http.MethodPost, "/players", `{"label":"lobby","model":"gen2"}`, asUser)
	s.Require().Equal(http.StatusCreated, rec.Code)
	var created struct {
		DeviceID    uuid.UUID `json:"device_id"`
		PairingCode uuid.UUID `json:"pairing_code"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &created))

	// the pairing code buys exactly one bundle
	rec = s.do(http.MethodGet, "/credentials", "",
		map[string]string{"Artcast-Pairing-Code": created.PairingCode.String()})
	s.Require().Equal(http.StatusOK, rec.Code)
	var bundle credentials.Bundle
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &bundle))
	s.Equal(created.DeviceID, bundle.DeviceID)
	s.Equal("broker.test", bundle.BrokerHost)
	s.Equal(8883, bundle.BrokerPort)
	s.NotEmpty(bundle.Key)
	s.NotEmpty(bundle.CACert)
	firstSerial := s.parseSerial(bundle.Certificate, created.DeviceID)
	s.False(s.caManager.IsRevoked(firstSerial))

	rec = s.do(http.MethodGet, "/credentials", "",
		map[string]string{"Artcast-Pairing-Code": created.PairingCode.String()})
	s.Equal(http.StatusNoContent, rec.Code)

	// the bundled token authenticates the device on the REST surface
	rec = s.do(http.MethodGet, "/authorization", "",
		map[string]string{"Artcast-Device-Token": bundle.Token.String()})
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), `"device"`)

	// reprovisioning revokes the certificate and rotates the pairing code
	rec = s.do(http.MethodPost, "/players/"+created.DeviceID.String()+"/reprovision", "", asUser)
	s.Require().Equal(http.StatusOK, rec.Code)
	var reprovisioned struct {
		PairingCode uuid.UUID `json:"pairing_code"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &reprovisioned))
	s.NotEqual(created.PairingCode, reprovisioned.PairingCode)
	s.True(s.caManager.IsRevoked(firstSerial))

	// the old pairing code is dead
	rec = s.do(http.MethodGet, "/credentials", "",
		map[string]string{"Artcast-Pairing-Code": created.PairingCode.String()})
	s.Equal(http.StatusUnauthorized, rec.Code)

	// the new code issues a certificate with a fresh serial
	rec = s.do(http.MethodGet, "/credentials", "",
		map[string]string{"Artcast-Pairing-Code": reprovisioned.PairingCode.String()})
	s.Require().Equal(http.StatusOK, rec.Code)
	var secondBundle credentials.Bundle
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &secondBundle))
	secondSerial := s.parseSerial(secondBundle.Certificate, created.DeviceID)
	s.NotZero(firstSerial.Cmp(secondSerial))
	s.False(s.caManager.IsRevoked(secondSerial))
	s.True(s.caManager.IsRevoked(firstSerial))

	// deletion revokes the active certificate and removes the record
	rec = s.do(http.MethodDelete, "/players/"+created.DeviceID.String(), "", asUser)
	s.Require().Equal(http.StatusNoContent, rec.Code)
	s.True(s.caManager.IsRevoked(secondSerial))

	rec = s.do(http.MethodGet, "/players/"+created.DeviceID.String(), "", asUser)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *ProvisioningSuite) TestUnknownPairingCode() {
	rec := s.do(http.MethodGet, "/credentials", "",
		map[string]string{"Artcast-Pairing-Code": uuid.New().String()})
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *ProvisioningSuite) TestUnknownDeviceToken() {
	rec := s.do(http.MethodGet, "/authorization", "",
		map[string]string{"Artcast-Device-Token": uuid.New().String()})
	s.Equal(http.StatusUnauthorized, rec.Code)
}
