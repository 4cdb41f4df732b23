// internal/contract/bundle.go
package contract

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// Schema bundle errors. The bundle guard is a fail-fast startup gate: a
// runtime must never reach operational state past a failed verification.
var (
	ErrSchemaDirNotFound     = errors.New("schema dir not found")
	ErrSchemaDirNotDirectory = errors.New("schema dir is not a directory")
	ErrManifestMismatch      = errors.New("schema manifest mismatch")
	ErrMetadataInvalid       = errors.New("schema metadata invalid")
)

// SchemaDirEnv selects the schema directory when no explicit override is
// given.
const SchemaDirEnv = "APP_SERVER_SCHEMA_DIR"

// DefaultSchemaRelativeDir is the cwd-relative bundle location probed after
// the env variable.
const DefaultSchemaRelativeDir = "schemas/app-server/active"

//go:embed schemas/app-server/active
var embeddedSchemas embed.FS

const embeddedSchemaRoot = "schemas/app-server/active"

// Metadata identifies the generator of a schema bundle.
type Metadata struct {
	SchemaName       string `json:"schemaName"`
	GeneratedAtUTC   string `json:"generatedAtUtc"`
	GeneratorCommand string `json:"generatorCommand"`
	SourceOfTruth    string `json:"sourceOfTruth"`
}

// ResolveDir picks the schema directory from: explicit override, env,
// cwd-relative default. An empty string means the caller should fall back to
// the embedded bundle via LoadEmbedded.
func ResolveDir(override string) (string, error) {
	if override != "" {
		return validateDir(override)
	}
	if env := strings.TrimSpace(os.Getenv(SchemaDirEnv)); env != "" {
		return validateDir(env)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve schema dir: %w", err)
	}
	candidate := filepath.Join(cwd, DefaultSchemaRelativeDir)
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate, nil
	}
	return "", nil
}

func validateDir(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrSchemaDirNotFound, path)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrSchemaDirNotDirectory, path)
	}
	return path, nil
}

// Bundle holds the verified contents of one schema directory.
type Bundle struct {
	Metadata Metadata
	// Schemas maps manifest-relative paths (./Name.json) to file contents.
	Schemas map[string][]byte
}

// Load reads and verifies the bundle at dir, or the embedded fallback when
// dir is empty.
func Load(dir string) (*Bundle, error) {
	if dir == "" {
		return loadFS(embeddedSchemas, embeddedSchemaRoot)
	}
	if _, err := validateDir(dir); err != nil {
		return nil, err
	}
	return loadFS(os.DirFS(dir), ".")
}

// Verify checks the bundle at dir against its manifest without retaining it.
func Verify(dir string) error {
	_, err := Load(dir)
	return err
}

func loadFS(fsys fs.FS, root string) (*Bundle, error) {
	metadataRaw, err := fs.ReadFile(fsys, path(root, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: metadata.json: %v", ErrSchemaDirNotFound, err)
	}
	metadata, err := parseMetadata(metadataRaw)
	if err != nil {
		return nil, err
	}

	manifestRaw, err := fs.ReadFile(fsys, path(root, "manifest.sha256"))
	if err != nil {
		return nil, fmt.Errorf("%w: manifest.sha256: %v", ErrSchemaDirNotFound, err)
	}

	files, err := collectSchemaFiles(fsys, path(root, "json-schema"))
	if err != nil {
		return nil, err
	}

	if err := checkManifest(string(manifestRaw), files); err != nil {
		return nil, err
	}

	return &Bundle{Metadata: metadata, Schemas: files}, nil
}

func path(root, name string) string {
	if root == "." {
		return name
	}
	return root + "/" + name
}

func parseMetadata(raw []byte) (Metadata, error) {
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
	}
	for field, value := range map[string]string{
		"schemaName":       metadata.SchemaName,
		"generatedAtUtc":   metadata.GeneratedAtUTC,
		"generatorCommand": metadata.GeneratorCommand,
		"sourceOfTruth":    metadata.SourceOfTruth,
	} {
		if strings.TrimSpace(value) == "" {
			return Metadata{}, fmt.Errorf("%w: field %s is missing or empty", ErrMetadataInvalid, field)
		}
	}
	return metadata, nil
}

func collectSchemaFiles(fsys fs.FS, dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := fs.WalkDir(fsys, dir, func(entryPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: json-schema: %v", ErrSchemaDirNotFound, err)
		}
		if entry.IsDir() {
			return nil
		}
		data, err := fs.ReadFile(fsys, entryPath)
		if err != nil {
			return fmt.Errorf("read schema file %s: %w", entryPath, err)
		}
		rel := strings.TrimPrefix(entryPath, dir+"/")
		files["./"+filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// checkManifest compares the manifest text against the hashed file set.
// Added files, removed files, and content drift all fail the same way.
func checkManifest(manifest string, files map[string][]byte) error {
	if normalizeManifest(manifest) != normalizeManifest(renderManifest(files)) {
		return ErrManifestMismatch
	}
	return nil
}

func renderManifest(files map[string][]byte) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	lines := make([]string, 0, len(paths))
	for _, p := range paths {
		sum := sha256.Sum256(files[p])
		lines = append(lines, hex.EncodeToString(sum[:])+"  "+p)
	}
	return strings.Join(lines, "\n")
}

func normalizeManifest(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// Seal recomputes manifest.sha256 for the bundle at dir, canonicalizing
// metadata.json (JCS) first so repeated seals are byte-stable.
func Seal(dir string) error {
	if _, err := validateDir(dir); err != nil {
		return err
	}

	metadataPath := filepath.Join(dir, "metadata.json")
	metadataRaw, err := os.ReadFile(metadataPath)
	if err != nil {
		return fmt.Errorf("read metadata.json: %w", err)
	}
	if _, err := parseMetadata(metadataRaw); err != nil {
		return err
	}
	canonical, err := jcs.Transform(metadataRaw)
	if err != nil {
		return fmt.Errorf("canonicalize metadata.json: %w", err)
	}
	if err := os.WriteFile(metadataPath, append(canonical, '\n'), 0o644); err != nil {
		return fmt.Errorf("write metadata.json: %w", err)
	}

	files, err := collectSchemaFiles(os.DirFS(dir), "json-schema")
	if err != nil {
		return err
	}
	manifest := renderManifest(files) + "\n"
	if err := os.WriteFile(filepath.Join(dir, "manifest.sha256"), []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("write manifest.sha256: %w", err)
	}
	return nil
}
