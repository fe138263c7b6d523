package toolforge

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.yaml.in/yaml/v3"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed assets/catalog.yaml
var defaultCatalog []byte

//go:embed assets/catalog.schema.json
var catalogSchema []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
	printer        = message.NewPrinter(language.English)
)

// Catalog lists the archives each kind can be installed from.
type Catalog struct {
	Toolchains map[string]ToolchainEntry `yaml:"toolchains"`
	Android    struct {
		Components []string `yaml:"components"`
	} `yaml:"android"`
	Rust struct {
		Targets []string `yaml:"targets"`
	} `yaml:"rust"`
}

// ToolchainEntry is one kind in the catalog.
type ToolchainEntry struct {
	Default    string              `yaml:"default"`
	Constraint string              `yaml:"constraint"`
	Versions   map[string]Artifact `yaml:"versions"`
}

// Artifact is one downloadable version. URLs, when set, is keyed by vendor
// architecture name (x64, aarch64, ...).
type Artifact struct {
	Format string            `yaml:"format"`
	URL    string            `yaml:"url"`
	URLs   map[string]string `yaml:"urls"`
	File   string            `yaml:"file"`
	Blake3 string            `yaml:"blake3"`
}

// ResolvedArtifact is an Artifact pinned to a version and host architecture.
type ResolvedArtifact struct {
	Kind    Kind
	Version string
	URL     string
	File    string
	Digest  string
	Format  string
}

// ValidationIssue is a single schema violation.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// getSchema compiles the embedded JSON schema once and returns it.
func getSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(catalogSchema))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("catalog.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("catalog.schema.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compiling schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// ValidateCatalog checks raw YAML against the schema and the cross-field
// rules the schema cannot express. Malformed YAML is a *ProtocolParseError;
// rule violations come back as issues.
func ValidateCatalog(data []byte, source string) ([]ValidationIssue, error) {
	schema, err := getSchema()
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ProtocolParseError{Source: source, Err: err}
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, &ProtocolParseError{Source: source, Err: fmt.Errorf("converting to JSON: %w", err)}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return nil, &ProtocolParseError{Source: source, Err: err}
	}

	var issues []ValidationIssue
	if err := schema.Validate(inst); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return nil, fmt.Errorf("unexpected validation error type: %w", err)
		}
		collectIssues(ve, &issues)
		if len(issues) == 0 {
			issues = append(issues, ValidationIssue{Message: ve.Error()})
		}
		return issues, nil
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, &ProtocolParseError{Source: source, Err: err}
	}
	return cat.check(), nil
}

func collectIssues(ve *jsonschema.ValidationError, issues *[]ValidationIssue) {
	if len(ve.Causes) == 0 {
		path := ""
		if len(ve.InstanceLocation) > 0 {
			path = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		msg := ve.Error()
		if ve.ErrorKind != nil {
			msg = ve.ErrorKind.LocalizedString(printer)
		}
		*issues = append(*issues, ValidationIssue{Path: path, Message: msg})
		return
	}
	for _, cause := range ve.Causes {
		collectIssues(cause, issues)
	}
}

// check enforces that defaults exist and every semver version satisfies the
// kind's constraint.
func (c *Catalog) check() []ValidationIssue {
	var issues []ValidationIssue
	names := make([]string, 0, len(c.Toolchains))
	for name := range c.Toolchains {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := c.Toolchains[name]
		base := "/toolchains/" + name
		if _, ok := entry.Versions[entry.Default]; !ok {
			issues = append(issues, ValidationIssue{Path: base + "/default", Message: fmt.Sprintf("default version %q is not listed", entry.Default)})
		}
		if entry.Constraint == "" {
			continue
		}
		constraint, err := semver.NewConstraint(entry.Constraint)
		if err != nil {
			issues = append(issues, ValidationIssue{Path: base + "/constraint", Message: err.Error()})
			continue
		}
		for _, v := range sortedVersions(entry.Versions) {
			sv, err := semver.NewVersion(v)
			if err != nil {
				continue
			}
			if !constraint.Check(sv) {
				issues = append(issues, ValidationIssue{Path: base + "/versions/" + v, Message: fmt.Sprintf("does not satisfy %q", entry.Constraint)})
			}
		}
	}
	return issues
}

// ParseCatalog validates and decodes a catalog. Any issue makes the whole
// catalog unusable.
func ParseCatalog(data []byte, source string) (*Catalog, error) {
	issues, err := ValidateCatalog(data, source)
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		msgs := make([]string, len(issues))
		for i, is := range issues {
			msgs[i] = is.String()
		}
		return nil, &ProtocolParseError{Source: source, Err: fmt.Errorf("invalid catalog: %s", strings.Join(msgs, "; "))}
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, &ProtocolParseError{Source: source, Err: err}
	}
	return &cat, nil
}

// LoadCatalog reads a user catalog, or the built-in one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog, "built-in catalog")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data, path)
}

// sortedVersions orders semver-looking versions numerically and puts the
// rest (channel names) after them alphabetically.
func sortedVersions(m map[string]Artifact) []string {
	var sem semver.Collection
	var other []string
	raw := make(map[*semver.Version]string)
	for v := range m {
		if sv, err := semver.NewVersion(v); err == nil {
			sem = append(sem, sv)
			raw[sv] = v
		} else {
			other = append(other, v)
		}
	}
	sort.Sort(sem)
	sort.Strings(other)
	out := make([]string, 0, len(m))
	for _, sv := range sem {
		out = append(out, raw[sv])
	}
	return append(out, other...)
}

// Versions lists the installable versions of a kind.
func (c *Catalog) Versions(k Kind) []string {
	entry, ok := c.Toolchains[k.String()]
	if !ok {
		return nil
	}
	return sortedVersions(entry.Versions)
}

// Resolve pins a kind and version (empty means the default) to a download
// for the host architecture.
func (c *Catalog) Resolve(k Kind, version string, caps Capabilities) (ResolvedArtifact, error) {
	entry, ok := c.Toolchains[k.String()]
	if !ok {
		return ResolvedArtifact{}, fmt.Errorf("%w: %s is not in the catalog", ErrUnknownKind, k)
	}
	if version == "" {
		version = entry.Default
	}
	art, ok := entry.Versions[version]
	if !ok {
		return ResolvedArtifact{}, fmt.Errorf("%w %q for %s (available: %s)",
			ErrUnknownVersion, version, k, strings.Join(sortedVersions(entry.Versions), ", "))
	}

	url := art.URL
	if len(art.URLs) > 0 {
		arch := caps.DownloadArch()
		if url = art.URLs[arch]; url == "" {
			return ResolvedArtifact{}, fmt.Errorf("%w: %s %s has no download for %s", ErrUnknownVersion, k, version, arch)
		}
	}

	return ResolvedArtifact{
		Kind:    k,
		Version: version,
		URL:     url,
		File:    art.File,
		Digest:  art.Blake3,
		Format:  art.Format,
	}, nil
}
