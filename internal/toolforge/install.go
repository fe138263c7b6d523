package toolforge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Stage is a step of an installation run.
type Stage int

const (
	StageStarted Stage = iota
	StageDownloading
	StageExtracting
	StageInstalling
	StageCompleted
	StageFailed
)

var stageNames = [...]string{
	StageStarted:     "started",
	StageDownloading: "downloading",
	StageExtracting:  "extracting",
	StageInstalling:  "installing",
	StageCompleted:   "completed",
	StageFailed:      "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal reports Completed or Failed.
func (s Stage) Terminal() bool { return s == StageCompleted || s == StageFailed }

// InstallationProgress is one event of an installation run. Percent is only
// meaningful for StageDownloading; Err is only set for StageFailed.
type InstallationProgress struct {
	Stage   Stage
	Kind    Kind
	Message string
	Percent int
	Err     error
}

// Installer downloads, extracts and configures toolchains into a Registry.
type Installer struct {
	Registry *Registry
	Catalog  *Catalog
	Fetcher  *Fetcher
	Runner   Runner
	Caps     Capabilities
	Timeouts Timeouts

	// Override the catalog defaults when non-empty.
	Components  []string
	RustTargets []string
}

// NewInstaller wires an installer with default timeouts and a fetcher caching
// under the registry.
func NewInstaller(reg *Registry, cat *Catalog, runner Runner, caps Capabilities, mirror ArchiveMirror) *Installer {
	return &Installer{
		Registry: reg,
		Catalog:  cat,
		Fetcher:  NewFetcher(reg.CacheDir(), mirror),
		Runner:   runner,
		Caps:     caps,
		Timeouts: DefaultTimeouts(),
	}
}

// installRun carries the state of one Install call.
type installRun struct {
	in   *Installer
	ctx  context.Context
	kind Kind
	ch   chan<- InstallationProgress
}

func (r *installRun) emit(stage Stage, msg string, percent int) {
	send(r.ctx, r.ch, InstallationProgress{Stage: stage, Kind: r.kind, Message: msg, Percent: percent})
}

// start runs body under the per-kind lock and turns its outcome into exactly
// one terminal event. The returned channel is closed after that event and
// must be drained.
func (in *Installer) start(ctx context.Context, kind Kind, title string, body func(r *installRun) (string, error)) <-chan InstallationProgress {
	ch := make(chan InstallationProgress, 16)
	go func() {
		defer close(ch)
		r := &installRun{in: in, ctx: ctx, kind: kind, ch: ch}
		// The buffer is empty, so Started is never dropped.
		ch <- InstallationProgress{Stage: StageStarted, Kind: kind, Message: title}

		msg, err := func() (string, error) {
			release, err := in.Registry.locks.acquire(ctx, kind)
			if err != nil {
				return "", fmt.Errorf("waiting for %s lock: %w", kind, err)
			}
			defer release()
			return body(r)
		}()
		if err != nil {
			debugf("install %s failed: %v\n", kind, err)
			sendFinal(ctx, ch, InstallationProgress{Stage: StageFailed, Kind: kind, Message: err.Error(), Err: err})
			return
		}
		sendFinal(ctx, ch, InstallationProgress{Stage: StageCompleted, Kind: kind, Message: msg, Percent: 100})
	}()
	return ch
}

// Install fetches and sets up one kind. An empty version selects the catalog
// default.
func (in *Installer) Install(ctx context.Context, kind Kind, version string) <-chan InstallationProgress {
	title := fmt.Sprintf("Installing %s", kind)
	if version != "" {
		title += " " + version
	}
	return in.start(ctx, kind, title, func(r *installRun) (string, error) {
		art, err := in.Catalog.Resolve(kind, version, in.Caps)
		if err != nil {
			return "", err
		}
		switch kind {
		case AndroidSDK:
			return r.installAndroid(art)
		case Rust:
			return r.installRust(art)
		}
		return r.installArchive(art)
	})
}

func (r *installRun) download(art ResolvedArtifact) (string, error) {
	name := art.File
	if name == "" {
		name = urlBase(art.URL)
	}
	msg := fmt.Sprintf("Downloading %s", name)
	r.emit(StageDownloading, msg, 0)
	return r.in.Fetcher.Fetch(r.ctx, art.URL, art.File, art.Digest, func(p int) {
		r.emit(StageDownloading, msg, p)
	})
}

func extractFormat(file, format, dest string) error {
	switch format {
	case "zip":
		return ExtractZip(file, dest)
	case "tar.gz":
		return ExtractTarGz(file, dest)
	case "tar.xz":
		return ExtractTarXz(file, dest)
	case "tar.zst":
		return ExtractTarZst(file, dest)
	}
	return ExtractArchive(file, dest)
}

// resetDir empties dir so a kind holds exactly one extracted version.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	return os.MkdirAll(dir, 0o755)
}

// installArchive covers the kinds that are a single archive plus permission
// fix-ups: JDK, Kotlin, Gradle and NDK.
func (r *installRun) installArchive(art ResolvedArtifact) (string, error) {
	reg := r.in.Registry
	file, err := r.download(art)
	if err != nil {
		return "", err
	}

	root := reg.KindRoot(r.kind)
	r.emit(StageExtracting, fmt.Sprintf("Extracting %s", filepath.Base(file)), 0)
	if err := resetDir(root); err != nil {
		return "", err
	}
	if err := extractFormat(file, art.Format, root); err != nil {
		return "", err
	}

	home, ok := reg.ResolvePath(r.kind)
	if !ok {
		return "", &ExtractionError{Archive: file, Err: fmt.Errorf("no %s installation found in %s after extraction", r.kind, root)}
	}

	r.emit(StageInstalling, "Setting executable permissions", 0)
	switch r.kind {
	case JDK:
		err = markDirExecutable(filepath.Join(home, "bin"))
		if err == nil {
			err = markExecutable(filepath.Join(home, "lib", "jspawnhelper"))
		}
	case Kotlin, Gradle:
		err = markDirExecutable(filepath.Join(home, "bin"))
	case NDK:
		err = markBinTrees(home, "ndk-build")
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s installed at %s", r.kind, art.Version, home), nil
}

// installAndroid stages the command-line tools as cmdline-tools/latest,
// accepts licenses, then installs each component with its own sdkmanager
// call. The first failing component aborts the rest.
func (r *installRun) installAndroid(art ResolvedArtifact) (string, error) {
	in := r.in
	root := in.Registry.KindRoot(AndroidSDK)
	file, err := r.download(art)
	if err != nil {
		return "", err
	}

	r.emit(StageExtracting, fmt.Sprintf("Extracting %s", filepath.Base(file)), 0)
	toolsDir := filepath.Join(root, "cmdline-tools")
	staging := filepath.Join(toolsDir, ".staging")
	if err := resetDir(staging); err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)
	if err := extractFormat(file, art.Format, staging); err != nil {
		return "", err
	}
	// The archive has a single cmdline-tools/ top directory; sdkmanager
	// insists on living in cmdline-tools/<version>/.
	src := filepath.Join(staging, "cmdline-tools")
	if _, err := os.Stat(src); err != nil {
		src = staging
	}
	latest := filepath.Join(toolsDir, "latest")
	if err := os.RemoveAll(latest); err != nil {
		return "", fmt.Errorf("failed to clear %s: %w", latest, err)
	}
	if err := os.Rename(src, latest); err != nil {
		return "", fmt.Errorf("failed to stage command-line tools: %w", err)
	}

	r.emit(StageInstalling, "Setting executable permissions", 0)
	if err := markDirExecutable(filepath.Join(latest, "bin")); err != nil {
		return "", err
	}
	if err := in.requireJava(); err != nil {
		return "", err
	}

	r.emit(StageInstalling, "Accepting SDK licenses", 0)
	if err := in.sdkmanager(r.ctx, "--sdk_root="+root, "--licenses"); err != nil {
		return "", fmt.Errorf("accepting licenses: %w", err)
	}

	components := in.components()
	if err := r.installComponents(components); err != nil {
		return "", err
	}
	return fmt.Sprintf("Android SDK installed at %s (%d components)", root, len(components)), nil
}

func (r *installRun) installComponents(components []string) error {
	root := r.in.Registry.KindRoot(AndroidSDK)
	for i, c := range components {
		r.emit(StageInstalling, fmt.Sprintf("Installing %s (%d/%d)", c, i+1, len(components)), 0)
		if err := r.in.sdkmanager(r.ctx, "--sdk_root="+root, c); err != nil {
			return fmt.Errorf("component %s: %w", c, err)
		}
	}
	return nil
}

func (in *Installer) components() []string {
	if len(in.Components) > 0 {
		return in.Components
	}
	return in.Catalog.Android.Components
}

func (in *Installer) rustTargets() []string {
	if len(in.RustTargets) > 0 {
		return in.RustTargets
	}
	return in.Catalog.Rust.Targets
}

// requireJava fails early when sdkmanager would not find a JVM.
func (in *Installer) requireJava() error {
	if _, ok := in.Registry.Tool("java"); ok {
		return nil
	}
	if _, err := exec.LookPath("java"); err == nil {
		return nil
	}
	return &ToolNotFoundError{Tool: "java", Hint: "install the jdk toolchain first"}
}

// sdkmanager runs one sdkmanager invocation with every prompt answered "y".
func (in *Installer) sdkmanager(ctx context.Context, args ...string) error {
	_, err := in.sdkmanagerOutput(ctx, args...)
	return err
}

// sdkmanagerOutput runs sdkmanager with licenses pre-accepted and returns
// what it printed.
func (in *Installer) sdkmanagerOutput(ctx context.Context, args ...string) (string, error) {
	tool, ok := in.Registry.Tool("sdkmanager")
	if !ok {
		return "", &ToolNotFoundError{Tool: "sdkmanager", Hint: "install the android toolchain first"}
	}
	argv := append([]string{tool}, args...)
	res, err := in.Runner.Run(ctx, ProcessRequest{
		Argv:         argv,
		Env:          in.Registry.Environment(),
		Timeout:      in.Timeouts.Component,
		MergeStreams: true,
		Stdin:        strings.Repeat("y\n", 64),
	})
	if err != nil {
		return "", err
	}
	return res.Output(), resultError(argv, in.Timeouts.Component, res)
}

// installRust runs the fetched rustup-init script non-interactively and then
// adds each Android target. A target that fails is reported and skipped.
func (r *installRun) installRust(art ResolvedArtifact) (string, error) {
	in := r.in
	reg := in.Registry
	script, err := r.download(art)
	if err != nil {
		return "", err
	}

	env := map[string]string{
		"CARGO_HOME":  reg.CargoHome(),
		"RUSTUP_HOME": reg.RustupHome(),
	}
	sh := in.Caps.Shell
	if sh == "" {
		sh = "sh"
	}

	r.emit(StageInstalling, fmt.Sprintf("Running rustup-init (%s toolchain)", art.Version), 0)
	argv := []string{sh, script, "-y", "--no-modify-path", "--default-toolchain", art.Version}
	res, err := in.Runner.Run(r.ctx, ProcessRequest{
		Argv:         argv,
		Env:          env,
		Timeout:      in.Timeouts.Rustup,
		MergeStreams: true,
		OnLine:       func(_ Stream, line string) { debugf("rustup-init: %s\n", line) },
	})
	if err != nil {
		return "", err
	}
	if err := resultError(argv, in.Timeouts.Rustup, res); err != nil {
		return "", err
	}

	rustup := filepath.Join(reg.CargoHome(), "bin", "rustup")
	targets := in.rustTargets()
	failed := 0
	for _, t := range targets {
		r.emit(StageInstalling, fmt.Sprintf("Adding target %s", t), 0)
		argv := []string{rustup, "target", "add", t}
		res, err := in.Runner.Run(r.ctx, ProcessRequest{
			Argv:         argv,
			Env:          env,
			Timeout:      in.Timeouts.Rustup,
			MergeStreams: true,
		})
		if err == nil {
			err = resultError(argv, in.Timeouts.Rustup, res)
		}
		if err != nil {
			failed++
			warnf("rustup target add %s: %v\n", t, err)
			r.emit(StageInstalling, fmt.Sprintf("Failed to add target %s: %v", t, err), 0)
		}
	}

	msg := fmt.Sprintf("Rust %s installed at %s", art.Version, reg.KindRoot(Rust))
	if failed > 0 {
		msg += fmt.Sprintf(" (%d of %d targets failed)", failed, len(targets))
	}
	return msg, nil
}

// InstallAndroidComponents adds sdkmanager packages to an existing Android
// SDK. Like Install, the first failure aborts the remaining components.
func (in *Installer) InstallAndroidComponents(ctx context.Context, components ...string) <-chan InstallationProgress {
	title := fmt.Sprintf("Installing %s", strings.Join(components, ", "))
	return in.start(ctx, AndroidSDK, title, func(r *installRun) (string, error) {
		if len(components) == 0 {
			return "", fmt.Errorf("no components requested")
		}
		if err := in.requireJava(); err != nil {
			return "", err
		}
		if err := r.installComponents(components); err != nil {
			return "", err
		}
		return fmt.Sprintf("Installed %d components", len(components)), nil
	})
}

// UninstallAndroidComponent removes one sdkmanager package.
func (in *Installer) UninstallAndroidComponent(ctx context.Context, component string) error {
	release, err := in.Registry.locks.acquire(ctx, AndroidSDK)
	if err != nil {
		return err
	}
	defer release()
	return in.sdkmanager(ctx, "--uninstall", component, "--sdk_root="+in.Registry.KindRoot(AndroidSDK))
}
