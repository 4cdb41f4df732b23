package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// writeFixtureBundle lays out a minimal valid bundle on disk and returns its
// root directory.
func writeFixtureBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	schemaDir := filepath.Join(dir, "json-schema")
	if err := os.MkdirAll(schemaDir, 0o755); err != nil {
		t.Fatal(err)
	}

	files := map[string]string{
		"ThreadStartParams.json": `{"type":"object"}`,
		"TurnStartParams.json":   `{"type":"object","required":["threadId"]}`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(schemaDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	metadata := `{"schemaName":"app-server","generatedAtUtc":"2026-01-01T00:00:00Z","generatorCommand":"generate","sourceOfTruth":"active/json-schema"}`
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(metadata), 0o644); err != nil {
		t.Fatal(err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	var lines []string
	for _, name := range names {
		sum := sha256.Sum256([]byte(files[name]))
		lines = append(lines, hex.EncodeToString(sum[:])+"  ./"+name)
	}
	manifest := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "manifest.sha256"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadValidBundle(t *testing.T) {
	dir := writeFixtureBundle(t)
	bundle, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Metadata.SchemaName != "app-server" {
		t.Errorf("schema name = %q", bundle.Metadata.SchemaName)
	}
	if len(bundle.Schemas) != 2 {
		t.Errorf("schema count = %d, want 2", len(bundle.Schemas))
	}
}

func TestLoadEmbeddedFallback(t *testing.T) {
	bundle, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bundle.Schemas["./ThreadStartParams.json"]; !ok {
		t.Error("embedded bundle missing ThreadStartParams.json")
	}
}

func TestVerifyDetectsContentDrift(t *testing.T) {
	dir := writeFixtureBundle(t)
	target := filepath.Join(dir, "json-schema", "ThreadStartParams.json")
	if err := os.WriteFile(target, []byte(`{"type":"object" }`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir); !errors.Is(err, ErrManifestMismatch) {
		t.Errorf("expected ErrManifestMismatch, got %v", err)
	}
}

func TestVerifyDetectsAddedFile(t *testing.T) {
	dir := writeFixtureBundle(t)
	extra := filepath.Join(dir, "json-schema", "Extra.json")
	if err := os.WriteFile(extra, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir); !errors.Is(err, ErrManifestMismatch) {
		t.Errorf("expected ErrManifestMismatch, got %v", err)
	}
}

func TestVerifyDetectsRemovedFile(t *testing.T) {
	dir := writeFixtureBundle(t)
	if err := os.Remove(filepath.Join(dir, "json-schema", "TurnStartParams.json")); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir); !errors.Is(err, ErrManifestMismatch) {
		t.Errorf("expected ErrManifestMismatch, got %v", err)
	}
}

func TestVerifyToleratesCRLFManifest(t *testing.T) {
	dir := writeFixtureBundle(t)
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.sha256"))
	if err != nil {
		t.Fatal(err)
	}
	crlf := strings.ReplaceAll(string(raw), "\n", "\r\n")
	if err := os.WriteFile(filepath.Join(dir, "manifest.sha256"), []byte(crlf), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir); err != nil {
		t.Errorf("CRLF manifest should verify, got %v", err)
	}
}

func TestLoadRejectsMissingDir(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent")); !errors.Is(err, ErrSchemaDirNotFound) {
		t.Errorf("expected ErrSchemaDirNotFound, got %v", err)
	}
}

func TestLoadRejectsFileAsDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bundle")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(file); !errors.Is(err, ErrSchemaDirNotDirectory) {
		t.Errorf("expected ErrSchemaDirNotDirectory, got %v", err)
	}
}

func TestLoadRejectsInvalidMetadata(t *testing.T) {
	dir := writeFixtureBundle(t)
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"schemaName":"app-server"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); !errors.Is(err, ErrMetadataInvalid) {
		t.Errorf("expected ErrMetadataInvalid, got %v", err)
	}
}

func TestSealRewritesManifestAfterEdit(t *testing.T) {
	dir := writeFixtureBundle(t)
	target := filepath.Join(dir, "json-schema", "ThreadStartParams.json")
	if err := os.WriteFile(target, []byte(`{"type":"object","title":"edited"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir); !errors.Is(err, ErrManifestMismatch) {
		t.Fatalf("edit must break manifest first, got %v", err)
	}
	if err := Seal(dir); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir); err != nil {
		t.Errorf("sealed bundle should verify, got %v", err)
	}
}

func TestSealCanonicalizesMetadata(t *testing.T) {
	dir := writeFixtureBundle(t)
	messy := "{\n  \"sourceOfTruth\": \"active/json-schema\",\n  \"schemaName\": \"app-server\",\n  \"generatorCommand\": \"generate\",\n  \"generatedAtUtc\": \"2026-01-01T00:00:00Z\"\n}"
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(messy), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Seal(dir); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := Seal(dir); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("repeated seals must be byte-stable")
	}
	if !strings.HasPrefix(string(first), `{"generatedAtUtc"`) {
		t.Errorf("metadata not canonicalized: %s", first)
	}
}

func TestResolveDirPrecedence(t *testing.T) {
	explicit := writeFixtureBundle(t)
	got, err := ResolveDir(explicit)
	if err != nil || got != explicit {
		t.Errorf("explicit override: got %q, %v", got, err)
	}

	envDir := writeFixtureBundle(t)
	t.Setenv(SchemaDirEnv, envDir)
	got, err = ResolveDir("")
	if err != nil || got != envDir {
		t.Errorf("env override: got %q, %v", got, err)
	}

	t.Setenv(SchemaDirEnv, "")
	t.Chdir(t.TempDir())
	got, err = ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("expected embedded fallback signal, got %q", got)
	}
}
