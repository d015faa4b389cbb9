/*Package credentials is the RESTful interface that hands a freshly paired
player its connection bundle: client certificate, private key, CA
certificate and broker connection info.

A player authenticates to this endpoint with its pairing code only, so the
endpoint is rate limited fail-closed; a repeatedly hit credential endpoint
is a direct attack surface. The bundle can be downloaded exactly once.
*/
package credentials

import (
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/netip"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/artcast-tech/artcast/ca"
	"github.com/artcast-tech/artcast/core/access"
	"github.com/artcast-tech/artcast/core/csql"
	"github.com/artcast-tech/artcast/core/logger"
	"github.com/artcast-tech/artcast/ratelimit"
)

// CertificateIssuer is the part of the CA manager the credentials service
// needs.
type CertificateIssuer interface {
	IssueCertificate(deviceID uuid.UUID) (certPEM, keyPEM []byte, serial *big.Int, err error)
	CACertPEM() []byte
}

// API is the credentials service.
type API struct {
	db         *csql.DB
	ca         CertificateIssuer
	limiter    *ratelimit.Limiter
	brokerHost string
	brokerPort int
}

// Builder is a builder helper for the API
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// CA issues the device certificates. This is mandatory.
	CA CertificateIssuer
	// Limiter bounds credential requests. This is mandatory.
	Limiter *ratelimit.Limiter
	// BrokerHost and BrokerPort are handed to the device as part of the
	// credentials bundle. BrokerHost is mandatory.
	BrokerHost string
	BrokerPort int
}

// Bundle is what a freshly paired device receives, exactly once.
type Bundle struct {
	DeviceID    uuid.UUID `json:"device_id"`
	Certificate string    `json:"cert"`
	Key         string    `json:"key"`
	CACert      string    `json:"ca_cert"`
	BrokerHost  string    `json:"broker_host"`
	BrokerPort  int       `json:"broker_port"`
	Token       uuid.UUID `json:"token"`
}

// NewAPI realizes the credentials service. It adds the /credentials route to
// the router and installs pairing and device token middleware.
func NewAPI(b *Builder) *API {

	if b.DB == nil {
		panic("DB is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.CA == nil {
		panic("CA is missing")
	}
	if b.Limiter == nil {
		panic("Limiter is missing")
	}
	if len(b.BrokerHost) == 0 {
		panic("broker host is missing")
	}
	brokerPort := b.BrokerPort
	if brokerPort == 0 {
		brokerPort = 8883
	}

	a := &API{
		db:         b.DB,
		ca:         b.CA,
		limiter:    b.Limiter,
		brokerHost: b.BrokerHost,
		brokerPort: brokerPort,
	}
	a.handleRoutes(b.Router)
	a.addMiddleware(b.Router)
	return a
}

// addMiddleware installs authorization middleware for the two device-side
// credentials: the pairing code presented during provisioning, and the
// device token used afterwards.
func (a *API) addMiddleware(router *mux.Router) {
	authCache := access.NewAuthorizationCache()
	authQuery := `SELECT device_id FROM ` + a.db.Schema + `.device WHERE token=$1;`

	router.Use(
		func(h http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				auth := access.AuthorizationFromContext(r.Context())
				if auth != nil { // already authorized?
					h.ServeHTTP(w, r)
					return
				}

				if code := r.Header.Get("Artcast-Pairing-Code"); len(code) > 0 {
					auth := access.Authorization{
						Roles:     []string{"pairing"},
						Selectors: map[string]string{"pairing_code": code},
					}
					r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
				}

				if token := r.Header.Get("Artcast-Device-Token"); len(token) > 0 {
					auth = authCache.Read(token)
					if auth == nil {
						var deviceID uuid.UUID
						err := a.db.QueryRow(authQuery, token).Scan(&deviceID)
						if err == csql.ErrNoRows {
							http.Error(w, "invalid device token", http.StatusUnauthorized)
							return
						}
						if err != nil {
							logger.FromContext(r.Context()).WithError(err).Errorf("Error 4821")
							http.Error(w, "Error 4821", http.StatusInternalServerError)
							return
						}
						auth = &access.Authorization{
							Roles:     []string{"device"},
							Selectors: map[string]string{"device_id": deviceID.String()},
						}
						authCache.Write(token, auth)
					}
					r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
				}

				h.ServeHTTP(w, r)
			})
		})
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.Default().Infoln("device credentials: handle route /credentials GET")
	router.HandleFunc("/credentials", a.getCredentials).Methods(http.MethodOptions, http.MethodGet)
}

func (a *API) getCredentials(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	if !auth.HasRole("pairing") {
		http.Error(w, "pairing code required", http.StatusUnauthorized)
		return
	}
	code, _ := auth.Selector("pairing_code")
	rlog := logger.FromContext(r.Context())
	rlog.Infoln("credential request with pairing code", code)

	// rate limit both the caller address and the presented code, fail closed
	if err := a.limiter.Allow(r.Context(), ratelimit.ClassCredentialIssuance, remoteAddr(r)); err != nil {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if err := a.limiter.Allow(r.Context(), ratelimit.ClassCredentialIssuance, code); err != nil {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	pairingCode, err := uuid.Parse(code)
	if err != nil {
		http.Error(w, "invalid pairing code", http.StatusUnauthorized)
		return
	}

	var deviceID, token uuid.UUID
	var provisioningStatus string
	err = a.db.QueryRow(
		`SELECT device_id, provisioning_status, token FROM `+
			a.db.Schema+`.device WHERE pairing_code=$1 AND provisioning_status IN ('waiting', 'provisioned');`,
		pairingCode).Scan(&deviceID, &provisioningStatus, &token)
	if err == sql.ErrNoRows {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorf("Error 4822")
		http.Error(w, "Error 4822", http.StatusInternalServerError)
		return
	}

	if provisioningStatus == "provisioned" {
		// all good, but credentials can only be downloaded once
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// provisioning status is 'waiting', hence we issue a certificate and
	// set the status to 'provisioned'
	certPEM, keyPEM, serial, err := a.ca.IssueCertificate(deviceID)
	if errors.Is(err, ca.ErrIdentityConflict) {
		http.Error(w, "device still holds a certificate, reprovision first", http.StatusConflict)
		return
	}
	if errors.Is(err, ca.ErrCAUnavailable) {
		rlog.WithError(err).Errorf("Error 4823")
		http.Error(w, "certificate authority unavailable", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorf("Error 4824")
		http.Error(w, "Error 4824", http.StatusInternalServerError)
		return
	}

	res, err := a.db.Exec(
		`UPDATE `+a.db.Schema+`.device SET provisioning_status='provisioned', cert_serial=$2 WHERE device_id=$1;`,
		deviceID, ca.SerialString(serial))
	if err != nil {
		rlog.WithError(err).Errorf("Error 4825")
		http.Error(w, "Error 4825", http.StatusInternalServerError)
		return
	}
	count, err := res.RowsAffected()
	if err != nil || count != 1 {
		rlog.WithError(err).Errorf("Error 4826")
		http.Error(w, "Error 4826", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(Bundle{
		DeviceID:    deviceID,
		Certificate: string(certPEM),
		Key:         string(keyPEM),
		CACert:      string(a.ca.CACertPEM()),
		BrokerHost:  a.brokerHost,
		BrokerPort:  a.brokerPort,
		Token:       token,
	})
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.String()
	}
	return host
}
