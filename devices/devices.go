/*Package devices implements the player device registry.

A player is created by its owning user, picks up its credentials once via
the pairing code, and connects to the broker with its client certificate.
Deleting a player revokes its certificate before removing the record. Loss
of revocation capability never blocks the removal itself; the failure is
surfaced for out-of-band retry instead.
*/
package devices

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/artcast-tech/artcast/ca"
	"github.com/artcast-tech/artcast/core/access"
	"github.com/artcast-tech/artcast/core/csql"
	"github.com/artcast-tech/artcast/core/logger"
	"github.com/artcast-tech/artcast/protocol"
	"github.com/artcast-tech/artcast/ratelimit"
)

// onlineWindow is how recently a device must have been seen on the broker
// to be reported as online.
const onlineWindow = 5 * time.Minute

// CertificateAuthority is the part of the CA manager the registry needs.
type CertificateAuthority interface {
	Revoke(serial *big.Int) error
}

// CommandExecutor sends a command to a connected device and waits for its
// result.
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, deviceID uuid.UUID, name string, payload []byte, timeout time.Duration) (protocol.Envelope, error)
}

// Device is a registered player.
type Device struct {
	DeviceID           uuid.UUID `json:"device_id"`
	Label              string    `json:"label"`
	Model              string    `json:"model"`
	Status             string    `json:"status"`
	ProvisioningStatus string    `json:"provisioning_status"`
	CertSerial         string    `json:"cert_serial,omitempty"`
	PairingCode        uuid.UUID `json:"pairing_code,omitempty"`
	LastSeenAt         time.Time `json:"last_seen_at"`
	CreatedAt          time.Time `json:"created_at"`
}

// API is the RESTful device management interface for users.
type API struct {
	db       *csql.DB
	ca       CertificateAuthority
	limiter  *ratelimit.Limiter
	commands CommandExecutor
}

// Builder is a builder helper for the API
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// CA is the certificate authority used to revoke device certificates
	// on deletion and re-provisioning. This is mandatory.
	CA CertificateAuthority
	// Limiter bounds read traffic and command execution. This is mandatory.
	Limiter *ratelimit.Limiter
	// Commands executes remote commands on devices. Optional; without it
	// the command route is not registered.
	Commands CommandExecutor
}

// NewAPI realizes the device registry. It creates the sql relations (if they
// do not exist) and adds the /players routes to the router.
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

	a := &API{
		db:       b.DB,
		ca:       b.CA,
		limiter:  b.Limiter,
		commands: b.Commands,
	}
	createDeviceTableIfNotExists(b.DB)
	a.handleRoutes(b.Router)
	return a
}

func status(lastSeenAt time.Time) string {
	if time.Since(lastSeenAt) < onlineWindow {
		return "online"
	}
	return "offline"
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.Default().Infoln("device registry: handle routes /players GET,POST")
	logger.Default().Infoln("device registry: handle routes /players/{device_id} GET,DELETE")
	logger.Default().Infoln("device registry: handle route /players/{device_id}/reprovision POST")

	router.HandleFunc("/players", a.createDevice).Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/players", a.listDevices).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/players/{device_id}", a.getDevice).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/players/{device_id}", a.deleteDevice).Methods(http.MethodOptions, http.MethodDelete)
	router.HandleFunc("/players/{device_id}/reprovision", a.reprovisionDevice).Methods(http.MethodOptions, http.MethodPost)
	if a.commands != nil {
		logger.Default().Infoln("device registry: handle route /players/{device_id}/commands/{command} POST")
		router.HandleFunc("/players/{device_id}/commands/{command}", a.executeCommand).Methods(http.MethodOptions, http.MethodPost)
	}
}

// ownerFromRequest authorizes the request and returns the owner scope. Users
// see their own devices, admins see everything (empty owner).
func ownerFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth.HasRole("admin") {
		return "", true
	}
	if !auth.HasRole("user") {
		http.Error(w, "user not authorized", http.StatusUnauthorized)
		return "", false
	}
	owner, ok := auth.Selector("user_id")
	if !ok || owner == "" {
		http.Error(w, "user not authorized", http.StatusUnauthorized)
		return "", false
	}
	return owner, true
}

func (a *API) createDevice(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	if owner == "" {
		http.Error(w, "admin must not own devices", http.StatusBadRequest)
		return
	}

	var body struct {
		Label string `json:"label"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Label == "" {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}

	d := Device{CreatedAt: time.Now().UTC()}
	err := a.db.QueryRow(
		`INSERT INTO `+a.db.Schema+`.device(owner_id,label,model)
VALUES($1,$2,$3) RETURNING device_id, pairing_code;`,
		owner, body.Label, body.Model).Scan(&d.DeviceID, &d.PairingCode)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4811")
		http.Error(w, "Error 4811", http.StatusInternalServerError)
		return
	}
	d.Label = body.Label
	d.Model = body.Model
	d.ProvisioningStatus = "waiting"
	d.Status = "offline"

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(d)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	// low-risk read path, the policy table lets this one fail open
	if err := a.limiter.Allow(r.Context(), ratelimit.ClassDeviceRead, owner); err != nil {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	rows, err := a.db.Query(
		`SELECT device_id,label,model,provisioning_status,cert_serial,last_seen_at,created_at
FROM `+a.db.Schema+`.device WHERE owner_id=$1 OR $1='' ORDER BY created_at;`, owner)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4812")
		http.Error(w, "Error 4812", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	response := []Device{}
	for rows.Next() {
		var d Device
		err := rows.Scan(&d.DeviceID, &d.Label, &d.Model, &d.ProvisioningStatus,
			&d.CertSerial, &d.LastSeenAt, &d.CreatedAt)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorf("Error 4813")
			http.Error(w, "Error 4813", http.StatusInternalServerError)
			return
		}
		d.Status = status(d.LastSeenAt)
		response = append(response, d)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(response)
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	deviceID, err := uuid.Parse(mux.Vars(r)["device_id"])
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	if err := a.limiter.Allow(r.Context(), ratelimit.ClassDeviceRead, owner); err != nil {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	var d Device
	err = a.db.QueryRow(
		`SELECT device_id,label,model,provisioning_status,cert_serial,pairing_code,last_seen_at,created_at
FROM `+a.db.Schema+`.device WHERE device_id=$1 AND (owner_id=$2 OR $2='');`,
		deviceID, owner).Scan(&d.DeviceID, &d.Label, &d.Model, &d.ProvisioningStatus,
		&d.CertSerial, &d.PairingCode, &d.LastSeenAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4814")
		http.Error(w, "Error 4814", http.StatusInternalServerError)
		return
	}
	d.Status = status(d.LastSeenAt)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(d)
}

// deleteDevice removes the device record and destroys its trust.
//
// The certificate is revoked first. If revocation cannot be persisted, the
// deletion still proceeds: the registry is the system of record and removing
// the device must never be blocked by the trust layer. The failed revocation
// is logged as a distinct condition so operational tooling can retry it.
func (a *API) deleteDevice(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	deviceID, err := uuid.Parse(mux.Vars(r)["device_id"])
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	rlog := logger.FromContext(r.Context())

	var certSerial string
	err = a.db.QueryRow(
		`SELECT cert_serial FROM `+a.db.Schema+`.device WHERE device_id=$1 AND (owner_id=$2 OR $2='');`,
		deviceID, owner).Scan(&certSerial)
	if err == sql.ErrNoRows {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorf("Error 4815")
		http.Error(w, "Error 4815", http.StatusInternalServerError)
		return
	}

	a.revokeBestEffort(r, deviceID, certSerial)

	_, err = a.db.Exec(
		`DELETE FROM `+a.db.Schema+`.device WHERE device_id=$1;`, deviceID)
	if err != nil {
		rlog.WithError(err).Errorf("Error 4816")
		http.Error(w, "Error 4816", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reprovisionDevice revokes the device's current certificate and puts the
// device back into pairing mode with a fresh pairing code. The device will
// receive a certificate with a new serial; the old serial stays revoked
// forever.
func (a *API) reprovisionDevice(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	deviceID, err := uuid.Parse(mux.Vars(r)["device_id"])
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	rlog := logger.FromContext(r.Context())

	var certSerial string
	err = a.db.QueryRow(
		`SELECT cert_serial FROM `+a.db.Schema+`.device WHERE device_id=$1 AND (owner_id=$2 OR $2='');`,
		deviceID, owner).Scan(&certSerial)
	if err == sql.ErrNoRows {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorf("Error 4817")
		http.Error(w, "Error 4817", http.StatusInternalServerError)
		return
	}

	a.revokeBestEffort(r, deviceID, certSerial)

	var pairingCode uuid.UUID
	err = a.db.QueryRow(
		`UPDATE `+a.db.Schema+`.device
SET provisioning_status='waiting', cert_serial='', pairing_code=uuid_generate_v4()
WHERE device_id=$1 RETURNING pairing_code;`, deviceID).Scan(&pairingCode)
	if err != nil {
		rlog.WithError(err).Errorf("Error 4818")
		http.Error(w, "Error 4818", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(
		struct {
			DeviceID    uuid.UUID `json:"device_id"`
			PairingCode uuid.UUID `json:"pairing_code"`
		}{
			DeviceID:    deviceID,
			PairingCode: pairingCode,
		})
}

// executeCommand sends a remote command to a connected device and returns
// the device's result. Commands go through the fail-closed device request
// class; without the counter store this endpoint rejects.
func (a *API) executeCommand(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	params := mux.Vars(r)
	deviceID, err := uuid.Parse(params["device_id"])
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	command := params["command"]
	rlog := logger.FromContext(r.Context())

	if err := a.limiter.Allow(r.Context(), ratelimit.ClassDeviceRequest, deviceID.String()); err != nil {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	var exists bool
	err = a.db.QueryRow(
		`SELECT true FROM `+a.db.Schema+`.device WHERE device_id=$1 AND (owner_id=$2 OR $2='');`,
		deviceID, owner).Scan(&exists)
	if err == sql.ErrNoRows {
		http.Error(w, "no such device", http.StatusNotFound)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorf("Error 4819")
		http.Error(w, "Error 4819", http.StatusInternalServerError)
		return
	}

	payload, ok := readCommandPayload(w, r)
	if !ok {
		return
	}

	response, err := a.commands.ExecuteCommand(r.Context(), deviceID, command, payload, 0)
	if errors.Is(err, protocol.ErrRequestTimeout) {
		http.Error(w, "device did not respond in time", http.StatusGatewayTimeout)
		return
	}
	if err != nil {
		rlog.WithError(err).Infoln("command", command, "failed on device", deviceID)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(response)
}

// readCommandPayload reads the command body up to the bus payload ceiling.
// Exceeding the ceiling is the caller's fault (413); any other read failure
// is a broken request (400).
func readCommandPayload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, protocol.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "cannot read request body", http.StatusBadRequest)
		}
		return nil, false
	}
	return payload, true
}

func (a *API) revokeBestEffort(r *http.Request, deviceID uuid.UUID, certSerial string) {
	serial, ok := ca.ParseSerial(certSerial)
	if !ok {
		return // device was never provisioned
	}
	if err := a.ca.Revoke(serial); err != nil {
		logger.FromContext(r.Context()).WithError(err).
			Errorln("revocation persist failed for device", deviceID,
				"serial", certSerial, "- needs out-of-band retry")
	}
}
