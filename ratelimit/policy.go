package ratelimit

import (
	"embed"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/artcast-tech/artcast/core/schema"
)

// Class identifies an endpoint class with its own limit and degraded-mode
// behavior.
type Class string

// The endpoint classes.
const (
	// ClassCredentialIssuance protects the pairing/credentials endpoint.
	// Always fail closed, an unprotected credential endpoint is a direct
	// attack surface.
	ClassCredentialIssuance Class = "credential_issuance"
	// ClassDeviceRequest protects execution of device-initiated requests.
	ClassDeviceRequest Class = "device_request"
	// ClassDeviceRead protects low-risk, already-authenticated read paths.
	// This is the only class that may fail open.
	ClassDeviceRead Class = "device_read"
)

// Policy is the limit configuration for one endpoint class. FailClosed makes
// the degraded-mode behavior a reviewable configuration value instead of an
// implicit code path.
type Policy struct {
	Limit      int64
	Window     time.Duration
	FailClosed bool
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassCredentialIssuance: {Limit: 10, Window: time.Minute, FailClosed: true},
		ClassDeviceRequest:      {Limit: 60, Window: time.Minute, FailClosed: true},
		ClassDeviceRead:         {Limit: 600, Window: time.Minute, FailClosed: false},
	}
}

//go:embed policies_schema.json
var schemaFS embed.FS

const policySchemaID = "https://artcast.tech/schemas/ratelimit-policies.json"

type policyDocument struct {
	Policies []struct {
		Class         string `json:"class"`
		Limit         int64  `json:"limit"`
		WindowSeconds int64  `json:"window_seconds"`
		FailClosed    bool   `json:"fail_closed"`
	} `json:"policies"`
}

// LoadPolicies parses a policy table from its JSON configuration document.
// The document is validated against the embedded JSON schema, so a
// deployment with a malformed policy fails at startup instead of running
// with silently missing limits.
func LoadPolicies(data []byte) (map[Class]Policy, error) {
	validator, err := schema.NewValidatorFromFS(schemaFS)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateString(string(data), policySchemaID); err != nil {
		return nil, fmt.Errorf("invalid rate limit policy document: %w", err)
	}

	var doc policyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	policies := DefaultPolicies()
	for _, p := range doc.Policies {
		policies[Class(p.Class)] = Policy{
			Limit:      p.Limit,
			Window:     time.Duration(p.WindowSeconds) * time.Second,
			FailClosed: p.FailClosed,
		}
	}
	return policies, nil
}
