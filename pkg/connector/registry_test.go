package connector

import (
	"errors"
	"testing"
)

func TestRegistry_CreateUnknownSubtype(t *testing.T) {
	_, err := DefaultRegistry().Create(Subtype("mongodb"), "c", "n", nil, 0)
	if !errors.Is(err, ErrUnknownSubtype) {
		t.Errorf("err = %v, want ErrUnknownSubtype", err)
	}
}

func TestRegistry_ValidatesConfigSchema(t *testing.T) {
	// Missing required bucket.
	_, err := DefaultRegistry().Create(SubtypeS3, "c", "n", map[string]any{
		"prefix": "incoming/",
	}, 0)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}

	// Wrong type for port.
	_, err = DefaultRegistry().Create(SubtypePostgreSQL, "c", "n", map[string]any{
		"host": "db", "database": "claims", "username": "etl",
		"table": "claims",
		"port":  "not-a-number",
	}, 0)
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestRegistry_RejectsBadName(t *testing.T) {
	_, err := DefaultRegistry().Create(SubtypeLocal, "c", "feed <img>", map[string]any{
		"path": t.TempDir(),
	}, 0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestRegistry_CreatesConnector(t *testing.T) {
	c, err := DefaultRegistry().Create(SubtypeLocal, "conn-9", "drop folder", map[string]any{
		"path": t.TempDir(),
	}, 500)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID() != "conn-9" || c.Name() != "drop folder" {
		t.Errorf("identity = %s/%s", c.ID(), c.Name())
	}
	if TypeOf(SubtypeLocal) != TypeFile {
		t.Errorf("TypeOf(local) = %s", TypeOf(SubtypeLocal))
	}
}

func TestRegistry_DescribeCoversAllSubtypes(t *testing.T) {
	described := DefaultRegistry().Describe()
	for _, s := range []Subtype{
		SubtypePostgreSQL, SubtypeMySQL, SubtypeSQLServer,
		SubtypeREST, SubtypeFHIR,
		SubtypeS3, SubtypeSFTP, SubtypeAzureBlob, SubtypeLocal,
	} {
		meta, ok := described[s]
		if !ok {
			t.Errorf("%s not registered", s)
			continue
		}
		if meta.ConfigSchema == "" || len(meta.SupportedDataTypes) == 0 {
			t.Errorf("%s metadata incomplete: %+v", s, meta)
		}
	}
}
