package toolforge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Kind is one of the toolchains toolforge knows how to install.
type Kind int

const (
	AndroidSDK Kind = iota
	JDK
	Kotlin
	NDK
	Rust
	Gradle
)

// AllKinds lists every kind in status order.
var AllKinds = []Kind{AndroidSDK, JDK, Kotlin, NDK, Rust, Gradle}

var kindNames = [...]string{
	AndroidSDK: "android",
	JDK:        "jdk",
	Kotlin:     "kotlin",
	NDK:        "ndk",
	Rust:       "rust",
	Gradle:     "gradle",
}

var kindAliases = map[string]Kind{
	"sdk":     AndroidSDK,
	"java":    JDK,
	"kotlinc": Kotlin,
}

// String returns the directory and CLI name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText lets Kind be used as a JSON map key.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind accepts a kind name or alias, case-insensitively.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, k := range AllKinds {
		if k.String() == n {
			return k, nil
		}
	}
	if k, ok := kindAliases[n]; ok {
		return k, nil
	}

	best, bestDist := "", -1
	for _, k := range AllKinds {
		if d := levenshtein.ComputeDistance(n, k.String()); bestDist < 0 || d < bestDist {
			best, bestDist = k.String(), d
		}
	}
	if bestDist <= 3 {
		return 0, fmt.Errorf("%w %q, did you mean %q?", ErrUnknownKind, name, best)
	}
	return 0, fmt.Errorf("%w %q (valid: %s)", ErrUnknownKind, name, strings.Join(kindNames[:], ", "))
}

// Registry owns the on-disk layout of one SDK root. Every query is a plain
// filesystem probe and never installs anything.
type Registry struct {
	Root  string
	locks *kindLocks
}

// NewRegistry creates (or reuses) the directory layout under root.
func NewRegistry(root string) (*Registry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve SDK root %s: %w", root, err)
	}
	r := &Registry{Root: abs}
	r.locks = newKindLocks(r.LocksDir())

	dirs := []string{r.CacheDir(), r.LocksDir(), r.CargoHome(), r.RustupHome()}
	for _, k := range AllKinds {
		dirs = append(dirs, r.KindRoot(k))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return r, nil
}

// KindRoot is the directory a kind is installed into.
func (r *Registry) KindRoot(k Kind) string { return filepath.Join(r.Root, k.String()) }

func (r *Registry) CacheDir() string   { return filepath.Join(r.Root, ".cache") }
func (r *Registry) LocksDir() string   { return filepath.Join(r.Root, ".locks") }
func (r *Registry) CargoHome() string  { return filepath.Join(r.KindRoot(Rust), "cargo") }
func (r *Registry) RustupHome() string { return filepath.Join(r.KindRoot(Rust), "rustup") }

// firstPrefixed returns the first directory in ReadDir (lexical) order whose
// name starts with prefix.
func firstPrefixed(dir, prefix string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ResolvePath returns the install directory of a kind, or false when it is
// not installed. When several versions sit side by side the first one in
// directory order wins; that is a fixed policy, not a "latest" lookup.
func (r *Registry) ResolvePath(k Kind) (string, bool) {
	root := r.KindRoot(k)
	switch k {
	case JDK:
		return firstPrefixed(root, "jdk")
	case NDK:
		return firstPrefixed(root, "android-ndk")
	case Gradle:
		return firstPrefixed(root, "gradle-")
	case Kotlin:
		p := filepath.Join(root, "kotlinc")
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, true
		}
	case AndroidSDK:
		if exists(filepath.Join(root, "platform-tools", "adb")) {
			return root, true
		}
	case Rust:
		if exists(filepath.Join(r.CargoHome(), "bin", "cargo")) {
			return root, true
		}
	}
	return "", false
}

// BuildToolsDir picks the lexicographically greatest directory under
// android/build-tools. "9.0.0" sorts after "34.0.0"; this heuristic is kept
// on purpose and is not a semantic version comparison.
func (r *Registry) BuildToolsDir() (string, bool) {
	dir := filepath.Join(r.KindRoot(AndroidSDK), "build-tools")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), true
}

// Tool resolves a named executable inside the installed toolchains. The
// returned path exists.
func (r *Registry) Tool(name string) (string, bool) {
	var base, rel string
	var ok bool
	switch name {
	case "java", "javac", "jar", "keytool":
		base, ok = r.ResolvePath(JDK)
		rel = filepath.Join("bin", name)
	case "kotlinc":
		base, ok = r.ResolvePath(Kotlin)
		rel = filepath.Join("bin", "kotlinc")
	case "gradle":
		base, ok = r.ResolvePath(Gradle)
		rel = filepath.Join("bin", "gradle")
	case "ndk-build":
		base, ok = r.ResolvePath(NDK)
		rel = "ndk-build"
	case "cargo", "rustup", "rustc":
		base, ok = r.CargoHome(), true
		rel = filepath.Join("bin", name)
	case "adb":
		base, ok = r.KindRoot(AndroidSDK), true
		rel = filepath.Join("platform-tools", "adb")
	case "sdkmanager":
		base, ok = r.KindRoot(AndroidSDK), true
		rel = filepath.Join("cmdline-tools", "latest", "bin", "sdkmanager")
	case "apksigner", "zipalign", "aapt2", "aapt", "d8", "dx":
		base, ok = r.BuildToolsDir()
		rel = name
	default:
		return "", false
	}
	if !ok {
		return "", false
	}
	p := filepath.Join(base, rel)
	if !exists(p) {
		return "", false
	}
	return p, true
}

// KindStatus is one row of Status.
type KindStatus struct {
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

// Status aggregates what is installed under the root.
type Status struct {
	Root       string              `json:"root"`
	Kinds      map[Kind]KindStatus `json:"kinds"`
	BuildTools string              `json:"build_tools,omitempty"`
	ADB        bool                `json:"adb"`
	APKSigner  bool                `json:"apksigner"`
	ZipAlign   bool                `json:"zipalign"`
}

// Ready reports whether an APK can be built and signed end to end.
func (s Status) Ready() bool {
	return s.Kinds[AndroidSDK].Installed && s.Kinds[JDK].Installed && s.APKSigner && s.ZipAlign
}

// Status probes every kind and the device and signing tools.
func (r *Registry) Status() Status {
	st := Status{Root: r.Root, Kinds: make(map[Kind]KindStatus, len(AllKinds))}
	for _, k := range AllKinds {
		p, ok := r.ResolvePath(k)
		st.Kinds[k] = KindStatus{Installed: ok, Path: p}
	}
	st.BuildTools, _ = r.BuildToolsDir()
	_, st.ADB = r.Tool("adb")
	_, st.APKSigner = r.Tool("apksigner")
	_, st.ZipAlign = r.Tool("zipalign")
	return st
}

// Environment returns the variables external build tools expect, for the
// kinds that are installed. PATH is prefixed with the Gradle, JDK and cargo
// bin directories ahead of the inherited PATH.
func (r *Registry) Environment() map[string]string {
	env := map[string]string{}
	var pathPrefix []string

	if p, ok := r.ResolvePath(AndroidSDK); ok {
		env["ANDROID_HOME"] = p
		env["ANDROID_SDK_ROOT"] = p
	}
	if p, ok := r.ResolvePath(JDK); ok {
		env["JAVA_HOME"] = p
	}
	if p, ok := r.ResolvePath(Kotlin); ok {
		env["KOTLIN_HOME"] = p
	}
	if p, ok := r.ResolvePath(NDK); ok {
		env["ANDROID_NDK_HOME"] = p
	}
	if _, ok := r.ResolvePath(Rust); ok {
		env["CARGO_HOME"] = r.CargoHome()
		env["RUSTUP_HOME"] = r.RustupHome()
	}

	if p, ok := r.ResolvePath(Gradle); ok {
		pathPrefix = append(pathPrefix, filepath.Join(p, "bin"))
	}
	if p, ok := r.ResolvePath(JDK); ok {
		pathPrefix = append(pathPrefix, filepath.Join(p, "bin"))
	}
	if _, ok := r.ResolvePath(Rust); ok {
		pathPrefix = append(pathPrefix, filepath.Join(r.CargoHome(), "bin"))
	}
	if len(pathPrefix) > 0 {
		if inherited := os.Getenv("PATH"); inherited != "" {
			pathPrefix = append(pathPrefix, inherited)
		}
		env["PATH"] = strings.Join(pathPrefix, string(os.PathListSeparator))
	}
	return env
}

// Uninstall wipes a kind root and recreates it empty, holding the same lock
// an install of that kind would.
func (r *Registry) Uninstall(ctx context.Context, k Kind) error {
	release, err := r.locks.acquire(ctx, k)
	if err != nil {
		return err
	}
	defer release()

	root := r.KindRoot(k)
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to remove %s: %w", root, err)
	}
	dirs := []string{root}
	if k == Rust {
		dirs = append(dirs, r.CargoHome(), r.RustupHome())
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to recreate %s: %w", d, err)
		}
	}
	debugf("Uninstalled %s from %s\n", k, root)
	return nil
}
