package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name looked up in every guest directory.
const ManifestFile = "manifest.yaml"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their manifest key rather than the Go name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Manifest represents the guest manifest.yaml structure.
type Manifest struct {
	Name        string   `yaml:"name" validate:"required" jsonschema:"description=Unique guest name"`
	Version     string   `yaml:"version" validate:"required"`
	Language    string   `yaml:"language" validate:"required,max=200" jsonschema:"description=Tag the guest appends to greetings"`
	Toolchain   string   `yaml:"toolchain" validate:"required,oneof=emscripten rustc extism go tinygo fixture" jsonschema:"enum=emscripten,enum=rustc,enum=extism,enum=go,enum=tinygo,enum=fixture"`
	Wasm        WasmFile `yaml:"wasm"`
	Description string   `yaml:"description,omitempty"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmFile locates the guest binary relative to the manifest.
type WasmFile struct {
	File string `yaml:"file" validate:"required"`
	Size int    `yaml:"size,omitempty" validate:"gte=0"` // KB
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields and that the Wasm file exists.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ManifestValidationError{
				Path:    m.Path(),
				Field:   fieldPath(fe),
				Message: fieldMessage(fe),
			}
		}
		return &ManifestValidationError{Path: m.Path(), Message: err.Error()}
	}

	if _, err := os.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

// fieldPath turns "Manifest.wasm.file" into "wasm.file".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldPath(fe))
	case "oneof":
		return fmt.Sprintf("unsupported %s: %v (must be one of: %s)",
			fe.Field(), fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "max":
		return fmt.Sprintf("%s is longer than %s bytes", fieldPath(fe), fe.Param())
	default:
		return fmt.Sprintf("%s failed '%s' check", fieldPath(fe), fe.Tag())
	}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}

// Schema returns the JSON schema of manifest.yaml.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		FieldNameTag:   "yaml",
	}
	schema := reflector.Reflect(&Manifest{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest schema: %w", err)
	}
	return data, nil
}
