package toolforge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var amd64Caps = Capabilities{OS: "linux", Arch: "amd64", ProcessGroups: true}

func TestBuiltinCatalogIsValid(t *testing.T) {
	issues, err := ValidateCatalog(defaultCatalog, "built-in")
	require.NoError(t, err)
	require.Empty(t, issues)

	cat, err := LoadCatalog("")
	require.NoError(t, err)
	for _, k := range AllKinds {
		require.NotEmpty(t, cat.Versions(k), k.String())
	}
	require.Contains(t, cat.Android.Components, "platform-tools")
	require.Len(t, cat.Rust.Targets, 4)
}

func TestCatalogResolve(t *testing.T) {
	cat, err := LoadCatalog("")
	require.NoError(t, err)

	art, err := cat.Resolve(JDK, "", amd64Caps)
	require.NoError(t, err)
	require.Equal(t, "17.0.8", art.Version)
	require.Contains(t, art.URL, "_x64_linux_")
	require.Equal(t, "tar.gz", art.Format)

	arm := amd64Caps
	arm.Arch = "arm64"
	art, err = cat.Resolve(JDK, "21.0.1", arm)
	require.NoError(t, err)
	require.Contains(t, art.URL, "_aarch64_linux_")

	art, err = cat.Resolve(Rust, "", amd64Caps)
	require.NoError(t, err)
	require.Equal(t, "script", art.Format)
	require.Equal(t, "rustup-init.sh", art.File)

	_, err = cat.Resolve(Gradle, "1.0", amd64Caps)
	require.ErrorIs(t, err, ErrUnknownVersion)
	require.Contains(t, err.Error(), "available: 8.4, 8.5")

	riscv := amd64Caps
	riscv.Arch = "riscv64"
	_, err = cat.Resolve(JDK, "", riscv)
	require.ErrorIs(t, err, ErrUnknownVersion)
	require.Contains(t, err.Error(), "riscv64")
}

func TestSortedVersions(t *testing.T) {
	got := sortedVersions(map[string]Artifact{
		"nightly": {}, "1.10.0": {}, "1.9.22": {}, "stable": {}, "1.9.3": {},
	})
	require.Equal(t, []string{"1.9.3", "1.9.22", "1.10.0", "nightly", "stable"}, got)
}

func TestValidateCatalogMalformedYAML(t *testing.T) {
	_, err := ValidateCatalog([]byte("toolchains: [unclosed"), "broken.yaml")
	var perr *ProtocolParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "broken.yaml", perr.Source)
}

func TestValidateCatalogSchemaIssues(t *testing.T) {
	data := []byte(`
toolchains:
  jdk:
    default: "17"
    versions:
      "17":
        format: rar
        url: ftp://example.com/jdk.rar
  swift:
    default: "5"
    versions:
      "5":
        format: zip
        url: https://example.com/swift.zip
`)
	issues, err := ValidateCatalog(data, "bad.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, issues)

	var paths []string
	for _, is := range issues {
		paths = append(paths, is.String())
	}
	joined := strings.Join(paths, "\n")
	require.Contains(t, joined, "/toolchains/jdk/versions/17")

	_, err = ParseCatalog(data, "bad.yaml")
	var perr *ProtocolParseError
	require.ErrorAs(t, err, &perr)
}

func TestValidateCatalogRules(t *testing.T) {
	data := []byte(`
toolchains:
  gradle:
    default: "9.0"
    constraint: ">= 7.0"
    versions:
      "6.9":
        format: zip
        url: https://services.gradle.org/distributions/gradle-6.9-bin.zip
`)
	issues, err := ValidateCatalog(data, "rules.yaml")
	require.NoError(t, err)
	require.Equal(t, []ValidationIssue{
		{Path: "/toolchains/gradle/default", Message: `default version "9.0" is not listed`},
		{Path: "/toolchains/gradle/versions/6.9", Message: `does not satisfy ">= 7.0"`},
	}, issues)
}

func TestLoadUserCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
toolchains:
  kotlin:
    default: "2.0.0"
    versions:
      "2.0.0":
        format: zip
        url: https://example.com/kotlin-compiler-2.0.0.zip
`), 0o644))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Equal(t, []string{"2.0.0"}, cat.Versions(Kotlin))

	_, err = cat.Resolve(JDK, "", amd64Caps)
	require.ErrorIs(t, err, ErrUnknownKind)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
