package devices

import (
	"time"

	"github.com/google/uuid"

	"github.com/artcast-tech/artcast/core/csql"
)

// Registry is the database-backed device registry shared by the management
// API, the broker and the notifier.
type Registry struct {
	db *csql.DB
}

// NewRegistry creates the sql relations for the device registry (if they do
// not exist) and returns the registry.
func NewRegistry(db *csql.DB) *Registry {
	if db == nil {
		panic("DB is missing")
	}
	createDeviceTableIfNotExists(db)
	return &Registry{db: db}
}

func createDeviceTableIfNotExists(db *csql.DB) {
	// poor man's database migrations
	_, err := db.Exec(
		`CREATE extension IF NOT EXISTS "uuid-ossp";
CREATE table IF NOT EXISTS ` + db.Schema + `.device
(device_id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
owner_id varchar NOT NULL,
label varchar NOT NULL,
model varchar NOT NULL,
provisioning_status varchar NOT NULL DEFAULT 'waiting',
pairing_code uuid NOT NULL DEFAULT uuid_generate_v4(),
token uuid NOT NULL DEFAULT uuid_generate_v4(),
cert_serial varchar NOT NULL DEFAULT '',
last_seen_at timestamp NOT NULL DEFAULT 'epoch',
created_at timestamp NOT NULL DEFAULT now()
);`)
	if err != nil {
		panic(err)
	}
}

// SetLastSeen records broker activity for the device. Called on connect and
// on every message arrival; the online status in the API is derived from it.
func (reg *Registry) SetLastSeen(deviceID uuid.UUID) error {
	_, err := reg.db.Exec(
		`UPDATE `+reg.db.Schema+`.device SET last_seen_at=$2 WHERE device_id=$1;`,
		deviceID, time.Now().UTC())
	return err
}

// ListDeviceIDs returns the IDs of all provisioned devices, for
// notification fan-out.
func (reg *Registry) ListDeviceIDs() ([]uuid.UUID, error) {
	rows, err := reg.db.Query(
		`SELECT device_id FROM ` + reg.db.Schema + `.device WHERE provisioning_status='provisioned';`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
