package toolforge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ResultType tags a CompilationResult.
type ResultType int

const (
	ResultProgress ResultType = iota
	ResultSuccess
	ResultError
)

func (t ResultType) String() string {
	switch t {
	case ResultSuccess:
		return "success"
	case ResultError:
		return "error"
	}
	return "progress"
}

// Level classifies a progress line the way build output is usually read.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelTask
	LevelSuccess
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelTask:
		return "TASK"
	case LevelSuccess:
		return "SUCCESS"
	}
	return "INFO"
}

// classifyLine assigns a level to one line of tool output.
func classifyLine(line string) Level {
	switch {
	case strings.Contains(line, "BUILD SUCCESSFUL"):
		return LevelSuccess
	case strings.Contains(line, "BUILD FAILED"):
		return LevelError
	case strings.Contains(line, "error"), strings.Contains(line, "Error"), strings.Contains(line, "ERROR"):
		return LevelError
	case strings.Contains(line, "warning"), strings.Contains(line, "Warning"), strings.Contains(line, "WARNING"):
		return LevelWarning
	case strings.HasPrefix(line, "> Task :"):
		return LevelTask
	}
	return LevelInfo
}

// Diagnostic is a compiler message pointing at a source location.
type Diagnostic struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

var (
	// src/Main.java:10: error: ';' expected
	// src/main.rs:10:5: error[E0308]: mismatched types
	classicDiag = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?:\s*(error|warning)(?:\[(\w+)\])?:\s*(.*)$`)
	// e: file:///src/Main.kt:10:5 Unresolved reference: foo
	kotlinDiag = regexp.MustCompile(`^([ew]): (?:file://)?(.+?):(\d+):(\d+):? (.*)$`)
)

// parseDiagnostics extracts located compiler messages from raw output.
func parseDiagnostics(output string) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := kotlinDiag.FindStringSubmatch(line); m != nil {
			sev := "error"
			if m[1] == "w" {
				sev = "warning"
			}
			ln, _ := strconv.Atoi(m[3])
			col, _ := strconv.Atoi(m[4])
			diags = append(diags, Diagnostic{File: m[2], Line: ln, Column: col, Severity: sev, Message: m[5]})
			continue
		}
		if m := classicDiag.FindStringSubmatch(line); m != nil {
			ln, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			diags = append(diags, Diagnostic{File: m[1], Line: ln, Column: col, Severity: m[4], Code: m[5], Message: m[6]})
		}
	}
	return diags
}

// CompilationResult is one event of a build run.
type CompilationResult struct {
	Type         ResultType
	Stage        string
	Message      string
	Output       string // full captured output, terminal events only
	ArtifactPath string
	Level        Level
	TimedOut     bool
	ExitCode     *int
	Diagnostics  []Diagnostic
	Err          error
}

// BuildStage is one external command in a pipeline. Command builds the argv
// from the resolved tool path and the previous stage's artifact and must not
// touch the filesystem. Artifact reports what the stage produced once it
// succeeded.
type BuildStage struct {
	Name     string
	Tool     string // registry tool name or an absolute path
	Command  func(tool, prev string) ([]string, error)
	Dir      string
	Env      map[string]string
	Timeout  time.Duration
	Artifact func() (string, bool)
}

// Builder runs build stages with the toolchains of a registry.
type Builder struct {
	Registry *Registry
	Runner   Runner
	Timeouts Timeouts
}

// NewBuilder returns a builder with default timeouts.
func NewBuilder(reg *Registry, runner Runner) *Builder {
	return &Builder{Registry: reg, Runner: runner, Timeouts: DefaultTimeouts()}
}

// Run executes stages strictly in order. Each stage's line output arrives as
// Progress, a stage's own Success is forwarded as a Progress carrying its
// artifact, and the run ends with the last stage's Success or the first
// Error. The channel is closed after the terminal event and must be drained.
func (b *Builder) Run(ctx context.Context, stages ...BuildStage) <-chan CompilationResult {
	ch := make(chan CompilationResult, 32)
	go func() {
		defer close(ch)
		if len(stages) == 0 {
			err := errors.New("no build stages")
			sendFinal(ctx, ch, CompilationResult{Type: ResultError, Message: err.Error(), Level: LevelError, Err: err})
			return
		}
		prev := ""
		for i, st := range stages {
			res := b.runStage(ctx, st, prev, func(r CompilationResult) { send(ctx, ch, r) })
			if res.Type == ResultError || i == len(stages)-1 {
				sendFinal(ctx, ch, res)
				return
			}
			prev = res.ArtifactPath
			send(ctx, ch, CompilationResult{
				Type:         ResultProgress,
				Stage:        st.Name,
				Message:      res.Message,
				ArtifactPath: res.ArtifactPath,
				Level:        LevelSuccess,
			})
		}
	}()
	return ch
}

func stageError(stage string, err error) CompilationResult {
	return CompilationResult{
		Type:    ResultError,
		Stage:   stage,
		Message: fmt.Sprintf("%s failed: %v", stage, err),
		Level:   LevelError,
		Err:     err,
	}
}

// resolveTool maps a stage tool to an executable path without spawning
// anything.
func (b *Builder) resolveTool(tool string) (string, error) {
	if filepath.IsAbs(tool) {
		if isExecutable(tool) {
			return tool, nil
		}
		return "", &ToolNotFoundError{Tool: tool}
	}
	if p, ok := b.Registry.Tool(tool); ok {
		return p, nil
	}
	return "", &ToolNotFoundError{Tool: tool, Hint: toolHint(tool)}
}

func toolHint(tool string) string {
	switch tool {
	case "kotlinc":
		return "install the kotlin toolchain"
	case "javac", "java":
		return "install the jdk toolchain"
	case "cargo", "rustup":
		return "install the rust toolchain"
	case "gradle":
		return "install the gradle toolchain or add a gradle wrapper to the project"
	case "apksigner", "zipalign", "aapt2", "d8", "dx":
		return "install build-tools with 'toolforge sdk install'"
	}
	return ""
}

func (b *Builder) runStage(ctx context.Context, st BuildStage, prev string, progress func(CompilationResult)) CompilationResult {
	tool, err := b.resolveTool(st.Tool)
	if err != nil {
		return stageError(st.Name, err)
	}
	argv, err := st.Command(tool, prev)
	if err != nil {
		return stageError(st.Name, err)
	}

	env := b.Registry.Environment()
	for k, v := range st.Env {
		env[k] = v
	}

	// argv may carry keystore passwords; only the command name is echoed.
	progress(CompilationResult{Type: ResultProgress, Stage: st.Name, Message: fmt.Sprintf("Running %s", commandName(argv)), Level: LevelTask})

	res, err := b.Runner.Run(ctx, ProcessRequest{
		Argv:         argv,
		Dir:          st.Dir,
		Env:          env,
		Timeout:      st.Timeout,
		MergeStreams: true,
		OnLine: func(_ Stream, line string) {
			progress(CompilationResult{Type: ResultProgress, Stage: st.Name, Message: line, Level: classifyLine(line)})
		},
	})
	if err != nil {
		return stageError(st.Name, err)
	}

	out := res.Output()
	if rerr := resultError(argv, st.Timeout, res); rerr != nil {
		r := stageError(st.Name, rerr)
		r.Output = out
		r.TimedOut = res.TimedOut
		r.ExitCode = res.ExitCode
		r.Diagnostics = parseDiagnostics(out)
		return r
	}

	r := CompilationResult{
		Type:        ResultSuccess,
		Stage:       st.Name,
		Message:     fmt.Sprintf("%s succeeded", st.Name),
		Output:      out,
		Level:       LevelSuccess,
		ExitCode:    res.ExitCode,
		Diagnostics: parseDiagnostics(out),
	}
	if st.Artifact != nil {
		if p, ok := st.Artifact(); ok {
			r.ArtifactPath = p
			r.Message = fmt.Sprintf("%s succeeded: %s", st.Name, p)
		} else {
			r.Message = fmt.Sprintf("%s succeeded, no artifact found", st.Name)
		}
	}
	return r
}

// firstWithExt returns the first regular file (in directory order) directly
// inside dir whose name ends with one of exts.
func firstWithExt(dir string, exts ...string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		for _, ext := range exts {
			if strings.HasSuffix(e.Name(), ext) {
				return filepath.Join(dir, e.Name()), true
			}
		}
	}
	return "", false
}

// CompileOptions configures CompileKotlin and CompileJava.
type CompileOptions struct {
	Sources        []string
	OutDir         string
	Classpath      string
	Verbose        bool
	IncludeRuntime bool // kotlinc only
	JVMTarget      string
}

// compiledArtifact is the jar when OutDir names one, otherwise OutDir once
// it holds at least one class file.
func compiledArtifact(outDir string) func() (string, bool) {
	return func() (string, bool) {
		if strings.HasSuffix(outDir, ".jar") {
			if _, err := os.Stat(outDir); err == nil {
				return outDir, true
			}
			return "", false
		}
		found := false
		_ = filepath.WalkDir(outDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ".class") {
				found = true
				return fs.SkipAll
			}
			return nil
		})
		if found {
			return outDir, true
		}
		return "", false
	}
}

// KotlinStage compiles Kotlin sources:
// kotlinc <sources> -d <outDir> [-cp <cp>] [-verbose] [-include-runtime] [-jvm-target <t>]
func (b *Builder) KotlinStage(opts CompileOptions) BuildStage {
	return BuildStage{
		Name:    "compile-kotlin",
		Tool:    "kotlinc",
		Timeout: b.Timeouts.Compile,
		Command: func(tool, _ string) ([]string, error) {
			if len(opts.Sources) == 0 {
				return nil, errors.New("no source files")
			}
			if opts.OutDir == "" {
				return nil, errors.New("output directory is required")
			}
			argv := []string{tool}
			argv = append(argv, opts.Sources...)
			argv = append(argv, "-d", opts.OutDir)
			if opts.Classpath != "" {
				argv = append(argv, "-cp", opts.Classpath)
			}
			if opts.Verbose {
				argv = append(argv, "-verbose")
			}
			if opts.IncludeRuntime {
				argv = append(argv, "-include-runtime")
			}
			if opts.JVMTarget != "" {
				argv = append(argv, "-jvm-target", opts.JVMTarget)
			}
			return argv, nil
		},
		Artifact: compiledArtifact(opts.OutDir),
	}
}

// JavaStage compiles Java sources:
// javac -d <outDir> [-cp <cp>] [-verbose] [-target <t> -source <t>] <sources>
func (b *Builder) JavaStage(opts CompileOptions) BuildStage {
	return BuildStage{
		Name:    "compile-java",
		Tool:    "javac",
		Timeout: b.Timeouts.Compile,
		Command: func(tool, _ string) ([]string, error) {
			if len(opts.Sources) == 0 {
				return nil, errors.New("no source files")
			}
			if opts.OutDir == "" {
				return nil, errors.New("output directory is required")
			}
			argv := []string{tool, "-d", opts.OutDir}
			if opts.Classpath != "" {
				argv = append(argv, "-cp", opts.Classpath)
			}
			if opts.Verbose {
				argv = append(argv, "-verbose")
			}
			if opts.JVMTarget != "" {
				argv = append(argv, "-target", opts.JVMTarget, "-source", opts.JVMTarget)
			}
			return append(argv, opts.Sources...), nil
		},
		Artifact: compiledArtifact(opts.OutDir),
	}
}

// CompileKotlin runs a single Kotlin compile stage.
func (b *Builder) CompileKotlin(ctx context.Context, opts CompileOptions) <-chan CompilationResult {
	return b.Run(ctx, b.KotlinStage(opts))
}

// CompileJava runs a single Java compile stage.
func (b *Builder) CompileJava(ctx context.Context, opts CompileOptions) <-chan CompilationResult {
	return b.Run(ctx, b.JavaStage(opts))
}

// ProjectOptions configures a Gradle project build.
type ProjectOptions struct {
	Dir       string
	Variant   string // defaults to debug
	Module    string // defaults to app
	ExtraArgs []string
}

// variantTask turns "release" into "assembleRelease". Only the first
// character changes, so "freeDebug" becomes "assembleFreeDebug".
func variantTask(variant string) string {
	r, size := utf8.DecodeRuneInString(variant)
	if r == utf8.RuneError {
		return "assemble"
	}
	return "assemble" + cases.Upper(language.Und).String(string(r)) + variant[size:]
}

// gradleFor prefers an executable ./gradlew in the project, then the
// registry Gradle, then gradle on PATH.
func (b *Builder) gradleFor(dir string) string {
	wrapper := filepath.Join(dir, "gradlew")
	if abs, err := filepath.Abs(wrapper); err == nil && isExecutable(abs) {
		return abs
	}
	if p, ok := b.Registry.Tool("gradle"); ok {
		return p
	}
	if p, err := exec.LookPath("gradle"); err == nil {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
	}
	return "gradle"
}

// ProjectStage builds an Android project:
// ./gradlew|gradle assemble<Variant> <extraArgs>
func (b *Builder) ProjectStage(opts ProjectOptions) BuildStage {
	variant := opts.Variant
	if variant == "" {
		variant = "debug"
	}
	module := opts.Module
	if module == "" {
		module = "app"
	}
	return BuildStage{
		Name:    "build",
		Tool:    b.gradleFor(opts.Dir),
		Dir:     opts.Dir,
		Timeout: b.Timeouts.Build,
		Command: func(tool, _ string) ([]string, error) {
			argv := []string{tool, variantTask(variant)}
			return append(argv, opts.ExtraArgs...), nil
		},
		Artifact: func() (string, bool) {
			outputs := filepath.Join(opts.Dir, module, "build", "outputs")
			if p, ok := variantOutput(filepath.Join(outputs, "apk"), variant, ".apk"); ok {
				return p, true
			}
			return variantOutput(filepath.Join(outputs, "bundle"), variant, ".aab")
		},
	}
}

// variantOutput finds the file Gradle wrote for variant under root. Flavored
// variants are nested (freeDebug lands in free/debug), so the directories
// between root and the file, joined, must spell the variant. Failing that,
// the first file in a directory named after the build type is taken.
func variantOutput(root, variant, ext string) (string, bool) {
	if p, ok := firstWithExt(filepath.Join(root, variant), ext); ok {
		return p, true
	}
	want := strings.ToLower(variant)
	buildType := buildTypeOf(variant)
	var exact, byType string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		dir := filepath.Dir(p)
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return nil
		}
		if strings.ToLower(strings.ReplaceAll(rel, string(os.PathSeparator), "")) == want {
			exact = p
			return fs.SkipAll
		}
		if byType == "" && strings.EqualFold(filepath.Base(dir), buildType) {
			byType = p
		}
		return nil
	})
	if exact != "" {
		return exact, true
	}
	return byType, byType != ""
}

// buildTypeOf returns the last camel-case word: freeStagingRelease -> release.
func buildTypeOf(variant string) string {
	i := strings.LastIndexFunc(variant, unicode.IsUpper)
	if i < 0 {
		return strings.ToLower(variant)
	}
	return strings.ToLower(variant[i:])
}

// BuildProject runs a single Gradle build stage.
func (b *Builder) BuildProject(ctx context.Context, opts ProjectOptions) <-chan CompilationResult {
	return b.Run(ctx, b.ProjectStage(opts))
}

// apkBase strips .apk and the suffixes earlier stages added.
func apkBase(path string) string {
	base := strings.TrimSuffix(path, ".apk")
	for _, s := range []string{"-unsigned", "-aligned"} {
		base = strings.TrimSuffix(base, s)
	}
	return base
}

// SignOptions configures apksigner. In and Out default to the previous
// stage's artifact and <name>-signed.apk.
type SignOptions struct {
	Keystore    string
	Password    string
	Alias       string
	KeyPassword string // defaults to Password
	In          string
	Out         string
}

// SignStage signs an APK:
// apksigner sign --ks <ks> --ks-pass pass:<pw> --ks-key-alias <alias> --key-pass pass:<pw> --out <out> <in>
// Passwords only ever travel as single argv elements.
func (b *Builder) SignStage(opts SignOptions) BuildStage {
	var out string
	return BuildStage{
		Name:    "sign",
		Tool:    "apksigner",
		Timeout: b.Timeouts.Sign,
		Command: func(tool, prev string) ([]string, error) {
			in := opts.In
			if in == "" {
				in = prev
			}
			if in == "" {
				return nil, errors.New("no APK to sign")
			}
			if opts.Keystore == "" || opts.Alias == "" {
				return nil, errors.New("keystore and key alias are required")
			}
			out = opts.Out
			if out == "" {
				out = apkBase(in) + "-signed.apk"
			}
			keyPass := opts.KeyPassword
			if keyPass == "" {
				keyPass = opts.Password
			}
			return []string{
				tool, "sign",
				"--ks", opts.Keystore,
				"--ks-pass", "pass:" + opts.Password,
				"--ks-key-alias", opts.Alias,
				"--key-pass", "pass:" + keyPass,
				"--out", out,
				in,
			}, nil
		},
		Artifact: func() (string, bool) {
			if _, err := os.Stat(out); err == nil {
				return out, true
			}
			return "", false
		},
	}
}

// Sign runs a single signing stage.
func (b *Builder) Sign(ctx context.Context, opts SignOptions) <-chan CompilationResult {
	return b.Run(ctx, b.SignStage(opts))
}

// AlignOptions configures zipalign. In and Out default to the previous
// stage's artifact and <name>-aligned.apk.
type AlignOptions struct {
	In  string
	Out string
}

// AlignStage aligns an APK on 4-byte boundaries:
// zipalign -v 4 <in> <out>
func (b *Builder) AlignStage(opts AlignOptions) BuildStage {
	var out string
	return BuildStage{
		Name:    "align",
		Tool:    "zipalign",
		Timeout: b.Timeouts.Align,
		Command: func(tool, prev string) ([]string, error) {
			in := opts.In
			if in == "" {
				in = prev
			}
			if in == "" {
				return nil, errors.New("no APK to align")
			}
			out = opts.Out
			if out == "" {
				out = apkBase(in) + "-aligned.apk"
			}
			return []string{tool, "-v", "4", in, out}, nil
		},
		Artifact: func() (string, bool) {
			if _, err := os.Stat(out); err == nil {
				return out, true
			}
			return "", false
		},
	}
}

// Align runs a single alignment stage.
func (b *Builder) Align(ctx context.Context, opts AlignOptions) <-chan CompilationResult {
	return b.Run(ctx, b.AlignStage(opts))
}

// CargoOptions configures a cargo build.
type CargoOptions struct {
	Dir     string
	Release bool
	Target  string
}

// CargoStage builds a Rust crate:
// cargo build [--release] [--target <t>]
func (b *Builder) CargoStage(opts CargoOptions) BuildStage {
	return BuildStage{
		Name:    "cargo",
		Tool:    "cargo",
		Dir:     opts.Dir,
		Timeout: b.Timeouts.Cargo,
		Command: func(tool, _ string) ([]string, error) {
			argv := []string{tool, "build"}
			if opts.Release {
				argv = append(argv, "--release")
			}
			if opts.Target != "" {
				argv = append(argv, "--target", opts.Target)
			}
			return argv, nil
		},
		Artifact: func() (string, bool) {
			profile := "debug"
			if opts.Release {
				profile = "release"
			}
			dir := filepath.Join(opts.Dir, "target", opts.Target, profile)
			if p, ok := firstWithExt(dir, ".so", ".a"); ok {
				return p, true
			}
			if _, err := os.Stat(dir); err == nil {
				return dir, true
			}
			return "", false
		},
	}
}

// CargoBuild runs a single cargo stage.
func (b *Builder) CargoBuild(ctx context.Context, opts CargoOptions) <-chan CompilationResult {
	return b.Run(ctx, b.CargoStage(opts))
}

// ReleaseOptions configures PackageRelease.
type ReleaseOptions struct {
	Project ProjectOptions // Variant defaults to release
	Sign    SignOptions    // In and Out come from the previous stages
}

// PackageRelease builds, aligns and signs an APK. apksigner must run after
// zipalign, otherwise alignment invalidates the signature.
func (b *Builder) PackageRelease(ctx context.Context, opts ReleaseOptions) <-chan CompilationResult {
	project := opts.Project
	if project.Variant == "" {
		project.Variant = "release"
	}
	sign := opts.Sign
	sign.In, sign.Out = "", ""
	return b.Run(ctx,
		b.ProjectStage(project),
		b.AlignStage(AlignOptions{}),
		b.SignStage(sign),
	)
}
