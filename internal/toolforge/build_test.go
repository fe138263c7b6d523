package toolforge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drainBuild(t *testing.T, ch <-chan CompilationResult) []CompilationResult {
	t.Helper()
	var results []CompilationResult
	for r := range ch {
		results = append(results, r)
	}
	require.NotEmpty(t, results)
	for _, r := range results[:len(results)-1] {
		require.Equal(t, ResultProgress, r.Type, "only the last result is terminal: %+v", r)
	}
	require.NotEqual(t, ResultProgress, results[len(results)-1].Type)
	return results
}

// buildToolsRegistry installs fake apksigner and zipalign executables.
func buildToolsRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := newTestRegistry(t)
	bt := filepath.Join(reg.KindRoot(AndroidSDK), "build-tools", "34.0.0")
	touch(t, filepath.Join(bt, "apksigner"))
	touch(t, filepath.Join(bt, "zipalign"))
	return reg
}

// argValue returns the element after flag in argv.
func argValue(argv []string, flag string) string {
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == flag {
			return argv[i+1]
		}
	}
	return ""
}

func TestSignPasswordIsSingleArgument(t *testing.T) {
	t.Parallel()

	reg := buildToolsRegistry(t)
	spy := &spyRunner{}
	b := NewBuilder(reg, spy)

	in := filepath.Join(t.TempDir(), "app-release-unsigned.apk")
	results := drainBuild(t, b.Sign(context.Background(), SignOptions{
		Keystore: "/keys/release.jks",
		Password: "a&b c;$(rm -rf)",
		Alias:    "upload",
		In:       in,
	}))

	argvs := spy.argvs()
	require.Len(t, argvs, 1)
	argv := argvs[0]
	require.Equal(t, "sign", argv[1])
	require.Equal(t, "pass:a&b c;$(rm -rf)", argValue(argv, "--ks-pass"))
	require.Equal(t, "pass:a&b c;$(rm -rf)", argValue(argv, "--key-pass"))
	require.Equal(t, "upload", argValue(argv, "--ks-key-alias"))
	require.Equal(t, strings.TrimSuffix(in, "-unsigned.apk")+"-signed.apk", argValue(argv, "--out"))
	require.Equal(t, in, argv[len(argv)-1])
	require.Len(t, argv, 13)

	for _, r := range results {
		require.NotContains(t, r.Message, "a&b")
	}
	last := results[len(results)-1]
	require.Equal(t, ResultSuccess, last.Type)
	require.Empty(t, last.ArtifactPath, "the spy never writes the signed APK")
}

func TestPackageReleasePipeline(t *testing.T) {
	t.Parallel()

	reg := buildToolsRegistry(t)
	project := t.TempDir()
	touch(t, filepath.Join(project, "gradlew"))

	spy := &spyRunner{respond: func(req ProcessRequest) (*ProcessResult, error) {
		var produced string
		switch filepath.Base(req.Argv[0]) {
		case "gradlew":
			dir := filepath.Join(req.Dir, "app", "build", "outputs", "apk", "release")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			produced = filepath.Join(dir, "app-release-unsigned.apk")
		case "zipalign":
			produced = req.Argv[len(req.Argv)-1]
		case "apksigner":
			produced = argValue(req.Argv, "--out")
		}
		if req.OnLine != nil {
			req.OnLine(StreamStdout, "BUILD SUCCESSFUL in 1s")
		}
		return exited(0, ""), os.WriteFile(produced, []byte("apk"), 0o644)
	}}
	b := NewBuilder(reg, spy)

	results := drainBuild(t, b.PackageRelease(context.Background(), ReleaseOptions{
		Project: ProjectOptions{Dir: project},
		Sign:    SignOptions{Keystore: "ks.jks", Password: "pw", Alias: "key", In: "ignored.apk"},
	}))

	apkDir := filepath.Join(project, "app", "build", "outputs", "apk", "release")
	unsigned := filepath.Join(apkDir, "app-release-unsigned.apk")
	aligned := filepath.Join(apkDir, "app-release-aligned.apk")
	signed := filepath.Join(apkDir, "app-release-signed.apk")

	argvs := spy.argvs()
	require.Len(t, argvs, 3)
	require.Equal(t, []string{filepath.Join(project, "gradlew"), "assembleRelease"}, argvs[0])
	require.Equal(t, []string{"-v", "4", unsigned, aligned}, argvs[1][1:])
	require.Equal(t, "apksigner", filepath.Base(argvs[2][0]))
	require.Equal(t, aligned, argvs[2][len(argvs[2])-1])
	require.Equal(t, signed, argValue(argvs[2], "--out"))

	var stageSuccesses []string
	for _, r := range results {
		if r.Type == ResultProgress && r.Level == LevelSuccess && r.ArtifactPath != "" {
			stageSuccesses = append(stageSuccesses, r.ArtifactPath)
		}
	}
	require.Equal(t, []string{unsigned, aligned}, stageSuccesses)

	last := results[len(results)-1]
	require.Equal(t, ResultSuccess, last.Type)
	require.Equal(t, "sign", last.Stage)
	require.Equal(t, signed, last.ArtifactPath)
}

func TestFailedBuildSkipsLaterStages(t *testing.T) {
	t.Parallel()

	reg := buildToolsRegistry(t)
	project := t.TempDir()
	touch(t, filepath.Join(project, "gradlew"))
	spy := &spyRunner{respond: func(req ProcessRequest) (*ProcessResult, error) {
		return exited(1, "e: file:///p/app/src/Main.kt:12:7 Unresolved reference: foo\nBUILD FAILED in 2s\n"), nil
	}}
	b := NewBuilder(reg, spy)

	results := drainBuild(t, b.PackageRelease(context.Background(), ReleaseOptions{
		Project: ProjectOptions{Dir: project},
		Sign:    SignOptions{Keystore: "ks.jks", Password: "pw", Alias: "key"},
	}))
	require.Len(t, spy.argvs(), 1, "align and sign never run")

	last := results[len(results)-1]
	require.Equal(t, ResultError, last.Type)
	require.Equal(t, "build", last.Stage)
	require.NotNil(t, last.ExitCode)
	require.Equal(t, 1, *last.ExitCode)
	var exitErr *ProcessExitError
	require.ErrorAs(t, last.Err, &exitErr)
	require.Contains(t, last.Output, "BUILD FAILED")
	require.Equal(t, []Diagnostic{{File: "/p/app/src/Main.kt", Line: 12, Column: 7, Severity: "error", Message: "Unresolved reference: foo"}}, last.Diagnostics)
}

func TestCanceledConsumerDoesNotBlockStage(t *testing.T) {
	t.Parallel()

	reg := buildToolsRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	spy := &spyRunner{respond: func(req ProcessRequest) (*ProcessResult, error) {
		defer close(returned)
		cancel()
		for i := 0; i < 200; i++ {
			req.OnLine(StreamStdout, fmt.Sprintf("line %d", i))
		}
		return &ProcessResult{Canceled: true}, nil
	}}
	b := NewBuilder(reg, spy)

	ch := b.Align(ctx, AlignOptions{In: "app.apk", Out: "app-aligned.apk"})
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("stage blocked on a consumer that stopped reading")
	}

	// Nobody reads until now; the channel still closes.
	deadline := time.After(DefaultReaderGrace + 2*time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("result channel never closed")
		}
	}
}

func TestMissingToolSpawnsNothing(t *testing.T) {
	t.Parallel()

	spy := &spyRunner{}
	b := NewBuilder(newTestRegistry(t), spy)

	results := drainBuild(t, b.CompileKotlin(context.Background(), CompileOptions{Sources: []string{"Main.kt"}, OutDir: "out"}))
	require.Len(t, results, 1)
	var notFound *ToolNotFoundError
	require.ErrorAs(t, results[0].Err, &notFound)
	require.Equal(t, "kotlinc", notFound.Tool)
	require.Contains(t, notFound.Hint, "kotlin")

	results = drainBuild(t, b.Align(context.Background(), AlignOptions{In: "a.apk"}))
	require.ErrorAs(t, results[0].Err, &notFound)
	require.Empty(t, spy.argvs())
}

func TestCompileKotlin(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	touch(t, filepath.Join(reg.KindRoot(Kotlin), "kotlinc", "bin", "kotlinc"))
	out := filepath.Join(t.TempDir(), "classes")
	spy := &spyRunner{respond: func(req ProcessRequest) (*ProcessResult, error) {
		dir := filepath.Join(out, "com", "example")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return exited(0, ""), os.WriteFile(filepath.Join(dir, "MainKt.class"), nil, 0o644)
	}}
	b := NewBuilder(reg, spy)
	b.Timeouts.Compile = 42 * time.Second

	results := drainBuild(t, b.CompileKotlin(context.Background(), CompileOptions{
		Sources:        []string{"Main.kt", "Util.kt"},
		OutDir:         out,
		Classpath:      "libs/a.jar",
		IncludeRuntime: true,
		JVMTarget:      "17",
	}))

	argv := spy.argvs()[0]
	require.Equal(t, []string{"Main.kt", "Util.kt", "-d", out, "-cp", "libs/a.jar", "-include-runtime", "-jvm-target", "17"}, argv[1:])
	require.Equal(t, 42*time.Second, spy.requests[0].Timeout)
	require.True(t, spy.requests[0].MergeStreams)

	require.Equal(t, "Running kotlinc", results[0].Message)
	require.Equal(t, LevelTask, results[0].Level)
	last := results[len(results)-1]
	require.Equal(t, ResultSuccess, last.Type)
	require.Equal(t, out, last.ArtifactPath)
}

func TestCompileJavaArgv(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	jdk := filepath.Join(reg.KindRoot(JDK), "jdk-17")
	touch(t, filepath.Join(jdk, "bin", "javac"))
	spy := &spyRunner{}
	b := NewBuilder(reg, spy)

	results := drainBuild(t, b.CompileJava(context.Background(), CompileOptions{Sources: []string{"A.java"}, OutDir: "out.jar", JVMTarget: "11"}))
	require.Equal(t, []string{filepath.Join(jdk, "bin", "javac"), "-d", "out.jar", "-target", "11", "-source", "11", "A.java"}, spy.argvs()[0])
	require.Equal(t, jdk, spy.requests[0].Env["JAVA_HOME"])
	require.Contains(t, results[len(results)-1].Message, "no artifact found")

	results = drainBuild(t, b.CompileJava(context.Background(), CompileOptions{OutDir: "out"}))
	require.Equal(t, ResultError, results[0].Type)
	require.Len(t, spy.argvs(), 1)
}

func TestStageTimeout(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	touch(t, filepath.Join(reg.CargoHome(), "bin", "cargo"))
	spy := &spyRunner{respond: func(req ProcessRequest) (*ProcessResult, error) {
		return &ProcessResult{TimedOut: true, Stdout: "Compiling serde v1.0\n"}, nil
	}}
	b := NewBuilder(reg, spy)

	results := drainBuild(t, b.CargoBuild(context.Background(), CargoOptions{Dir: t.TempDir(), Release: true, Target: "aarch64-linux-android"}))
	require.Equal(t, []string{"build", "--release", "--target", "aarch64-linux-android"}, spy.argvs()[0][1:])

	last := results[len(results)-1]
	require.Equal(t, ResultError, last.Type)
	require.True(t, last.TimedOut)
	require.Nil(t, last.ExitCode)
	var timeout *TimeoutError
	require.ErrorAs(t, last.Err, &timeout)
	require.Equal(t, b.Timeouts.Cargo, timeout.Timeout)
}

func TestCargoArtifact(t *testing.T) {
	t.Parallel()

	crate := t.TempDir()
	lib := filepath.Join(crate, "target", "aarch64-linux-android", "release", "libcore.so")
	stage := (&Builder{Timeouts: DefaultTimeouts()}).CargoStage(CargoOptions{Dir: crate, Release: true, Target: "aarch64-linux-android"})

	_, ok := stage.Artifact()
	require.False(t, ok)
	touch(t, lib)
	p, ok := stage.Artifact()
	require.True(t, ok)
	require.Equal(t, lib, p)
}

func TestRunStreamsWithRealProcess(t *testing.T) {
	t.Parallel()

	shell := DetectCapabilities().Shell
	if shell == "" {
		t.Skip("no sh on this host")
	}
	b := NewBuilder(newTestRegistry(t), newTestExecutor())
	stage := BuildStage{
		Name:    "script",
		Tool:    shell,
		Timeout: 10 * time.Second,
		Command: func(tool, _ string) ([]string, error) {
			return []string{tool, "-c", "echo '> Task :app:compileJava'; echo 'src/A.java:3: error: boom' 1>&2; exit 2"}, nil
		},
	}

	results := drainBuild(t, b.Run(context.Background(), stage))
	var levels []Level
	for _, r := range results[1 : len(results)-1] {
		levels = append(levels, r.Level)
	}
	require.Equal(t, []Level{LevelTask, LevelError}, levels)

	last := results[len(results)-1]
	require.Equal(t, ResultError, last.Type)
	require.Equal(t, 2, *last.ExitCode)
	require.Len(t, last.Diagnostics, 1)
	require.Equal(t, "src/A.java", last.Diagnostics[0].File)
	require.Equal(t, 3, last.Diagnostics[0].Line)
}

func TestRunWithoutStages(t *testing.T) {
	b := NewBuilder(newTestRegistry(t), &spyRunner{})
	results := drainBuild(t, b.Run(context.Background()))
	require.Len(t, results, 1)
	require.Equal(t, ResultError, results[0].Type)
}

func TestVariantTask(t *testing.T) {
	for in, want := range map[string]string{
		"debug":     "assembleDebug",
		"release":   "assembleRelease",
		"freeDebug": "assembleFreeDebug",
		"é":         "assembleÉ",
		"":          "assemble",
	} {
		require.Equal(t, want, variantTask(in), in)
	}
}

func TestProjectArtifactForFlavoredVariant(t *testing.T) {
	t.Parallel()

	project := t.TempDir()
	touch(t, filepath.Join(project, "gradlew"))
	apks := filepath.Join(project, "app", "build", "outputs", "apk")
	spy := &spyRunner{respond: func(req ProcessRequest) (*ProcessResult, error) {
		for _, flavor := range []string{"paid", "free"} {
			dir := filepath.Join(apks, flavor, "debug")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(dir, "app-"+flavor+"-debug.apk"), []byte("apk"), 0o644); err != nil {
				return nil, err
			}
		}
		return exited(0, "BUILD SUCCESSFUL in 1s\n"), nil
	}}
	b := NewBuilder(newTestRegistry(t), spy)

	results := drainBuild(t, b.BuildProject(context.Background(), ProjectOptions{Dir: project, Variant: "freeDebug"}))
	last := results[len(results)-1]
	require.Equal(t, ResultSuccess, last.Type)
	require.Equal(t, filepath.Join(apks, "free", "debug", "app-free-debug.apk"), last.ArtifactPath)
	require.Equal(t, []string{"assembleFreeDebug"}, spy.argvs()[0][1:])

	// A plain build type falls back to the first directory named after it.
	p, ok := variantOutput(apks, "debug", ".apk")
	require.True(t, ok)
	require.Equal(t, filepath.Join(apks, "free", "debug", "app-free-debug.apk"), p)

	_, ok = variantOutput(apks, "release", ".apk")
	require.False(t, ok)
	_, ok = variantOutput(filepath.Join(project, "missing"), "debug", ".apk")
	require.False(t, ok)
}

func TestBuildTypeOf(t *testing.T) {
	for in, want := range map[string]string{
		"debug": "debug", "freeDebug": "debug", "freeStagingRelease": "release", "": "",
	} {
		require.Equal(t, want, buildTypeOf(in), in)
	}
}

func TestClassifyLine(t *testing.T) {
	for line, want := range map[string]Level{
		"BUILD SUCCESSFUL in 12s":                 LevelSuccess,
		"BUILD FAILED in 3s":                      LevelError,
		"e: Main.kt:1:1 error: unresolved":        LevelError,
		"warning: unused variable `x`":            LevelWarning,
		"> Task :app:mergeDebugResources":         LevelTask,
		"> Task :app:lint WARNING: deprecated":    LevelWarning,
		"Downloading https://services.gradle.org": LevelInfo,
	} {
		require.Equal(t, want, classifyLine(line), line)
	}
}

func TestParseDiagnostics(t *testing.T) {
	out := strings.Join([]string{
		"src/Main.java:10: error: ';' expected",
		"src/main.rs:4:9: error[E0308]: mismatched types",
		"w: /src/Util.kt:7:3 Parameter 'x' is never used",
		"Note: Some input files use unchecked operations.",
	}, "\n")
	require.Equal(t, []Diagnostic{
		{File: "src/Main.java", Line: 10, Severity: "error", Message: "';' expected"},
		{File: "src/main.rs", Line: 4, Column: 9, Severity: "error", Code: "E0308", Message: "mismatched types"},
		{File: "/src/Util.kt", Line: 7, Column: 3, Severity: "warning", Message: "Parameter 'x' is never used"},
	}, parseDiagnostics(out))
}

func TestAPKBase(t *testing.T) {
	require.Equal(t, "out/app-release", apkBase("out/app-release-unsigned.apk"))
	require.Equal(t, "out/app-release", apkBase("out/app-release-aligned.apk"))
	require.Equal(t, "app", apkBase("app.apk"))
}
