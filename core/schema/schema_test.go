package schema_test

import (
	"testing"

	"github.com/artcast-tech/artcast/core/schema"
)

const (
	topLevel1 = `
	{ "$id" : "http://some_host.com/top1.json",
	  "type" : "string",
	  "maxLength" : 5
	}`
	topLevel2 = `
	{ "$id" : "http://some_host.com/top2.json",
	  "type" : "string",
	  "minLength" : 3
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel1, topLevel2})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID1 := "http://some_host.com/top1.json"
	schemaID2 := "http://some_host.com/top2.json"
	jsonShortString := `"short"`
	jsonLongString := `"a very long string"`

	// Valid json
	if err := v.ValidateString(jsonShortString, schemaID1); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", jsonShortString, schemaID1, err)
	}

	// Invalid json
	if err := v.ValidateString(jsonLongString, schemaID1); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s", jsonLongString, schemaID1)
	}

	// Valid json
	if err := v.ValidateString(jsonLongString, schemaID2); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", jsonLongString, schemaID2, err)
	}

	// Unknown schema
	if err := v.ValidateString(jsonShortString, "http://some_host.com/unknown.json"); err == nil {
		t.Fatal("validation against an unknown schema is expected to fail")
	}
}

func TestValidateStruct(t *testing.T) {
	schema1 := `{
		"$id": "https://artcast.tech/schemas/playlist.json",
		"type": "object",
		"required": [
			"playlist"
		],
		"properties": {
			"playlist": {
				"type": "string"
			}
		}
	}`
	type Playlist struct {
		Playlist string `json:"playlist"`
	}

	v, err := schema.NewValidator([]string{schema1})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	// Valid json
	if err := v.ValidateStruct(Playlist{"something"}, "https://artcast.tech/schemas/playlist.json"); err != nil {
		t.Fatal(err)
	}

	// Invalid json
	type PlaylistIncorrect struct {
		Playlist string `json:"playlist_wrong"`
	}
	if err := v.ValidateStruct(PlaylistIncorrect{"something"}, "https://artcast.tech/schemas/playlist.json"); err == nil {
		t.Fatal()
	}
}

func TestHasSchema(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel1, topLevel2})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID := "http://some_host.com/top1.json"
	if !v.HasSchema(schemaID) {
		t.Fatalf("%s schemaID is expected to be available", schemaID)
	}
	schemaID = "http://some_host.com/unknownschema.json"
	if v.HasSchema(schemaID) {
		t.Fatalf("%s schemaID is not expected to be available", schemaID)
	}
}

func TestMissingID(t *testing.T) {
	if _, err := schema.NewValidator([]string{`{"type": "string"}`}); err == nil {
		t.Fatal("schema without $id is expected to be rejected")
	}
}
