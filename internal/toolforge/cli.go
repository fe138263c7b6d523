package toolforge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// app is what every command needs once config is loaded.
type app struct {
	cfg  *Config
	caps Capabilities
	reg  *Registry
	exec *Executor

	rootOverride string
}

func (a *app) load() error {
	cfg, err := LoadConfig(ConfigFile)
	if err != nil {
		return err
	}
	if a.rootOverride != "" {
		cfg.SDKRoot = a.rootOverride
	}
	if cfg.Debug {
		Debug = true
	}
	a.cfg = cfg
	a.caps = DetectCapabilities()
	a.exec = NewExecutor(a.caps)
	if cfg.ReaderGrace > 0 {
		a.exec.ReaderGrace = cfg.ReaderGrace
	}
	reg, err := NewRegistry(cfg.SDKRoot)
	if err != nil {
		return err
	}
	a.reg = reg
	return nil
}

func (a *app) mirror(ctx context.Context) ArchiveMirror {
	if !a.cfg.R2.Enabled() {
		return nil
	}
	client, err := NewR2Client(ctx, a.cfg.R2)
	if err != nil {
		warnf("mirror disabled: %v\n", err)
		return nil
	}
	return client
}

func (a *app) installer(ctx context.Context) (*Installer, error) {
	cat, err := LoadCatalog(a.cfg.CatalogFile)
	if err != nil {
		return nil, err
	}
	in := NewInstaller(a.reg, cat, a.exec, a.caps, a.mirror(ctx))
	in.Timeouts = a.cfg.Timeouts
	in.Components = a.cfg.AndroidComponents
	in.RustTargets = a.cfg.RustTargets
	return in, nil
}

func (a *app) builder() *Builder {
	b := NewBuilder(a.reg, a.exec)
	b.Timeouts = a.cfg.Timeouts
	return b
}

// Main is the CLI entrypoint for cmd/toolforge.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Killing running tools\n", sig)
			cancel()

			// Give the pipeline a moment to report; a second signal exits now.
			select {
			case <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Println("Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(5 * time.Second):
				colArrow.Print("\n-> ")
				color.Danger.Println("Graceful shutdown timeout. Exiting.")
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		colArrow.Print("-> ")
		colError.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var quiet bool
	root := &cobra.Command{
		Use:           "toolforge",
		Short:         "Install Android/JVM/Rust toolchains and drive APK builds",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if quiet {
				SetLogger(nil)
			}
			if cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&ConfigFile, "config", "", "config file (default $TOOLFORGE_CONFIG or ~/.config/toolforge/toolforge.conf)")
	root.PersistentFlags().BoolVar(&Debug, "debug", false, "print debug output")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress warnings and debug output")
	root.PersistentFlags().StringVar(&a.rootOverride, "root", "", "SDK root directory")

	root.AddCommand(
		newStatusCmd(a),
		newInstallCmd(a),
		newUninstallCmd(a),
		newSdkCmd(a),
		newCompileCmd(a),
		newBuildCmd(a),
		newCleanCmd(a),
		newTestCmd(a),
		newTasksCmd(a),
		newSignCmd(a),
		newAlignCmd(a),
		newCargoCmd(a),
		newReleaseCmd(a),
		newLogCmd(a),
		newCleanupCmd(a),
		newMirrorCmd(a),
		newCatalogCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			colSuccess.Printf("toolforge %s", version)
			fmt.Printf(" (%s, built %s)\n", arch, buildDate)
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show installed toolchains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := a.reg.Status()
			if asJSON {
				return printJSON(struct {
					Status
					Ready bool `json:"ready"`
				}{st, st.Ready()})
			}
			colInfo.Printf("SDK root: %s\n", st.Root)
			for _, k := range AllKinds {
				ks := st.Kinds[k]
				if ks.Installed {
					fmt.Printf("  %-8s ", k)
					colSuccess.Printf("installed")
					fmt.Printf("  %s\n", ks.Path)
				} else {
					fmt.Printf("  %-8s ", k)
					colWarn.Println("missing")
				}
			}
			printTool("adb", st.ADB)
			printTool("apksigner", st.APKSigner)
			printTool("zipalign", st.ZipAlign)
			if st.BuildTools != "" {
				colNote.Printf("build-tools: %s\n", filepath.Base(st.BuildTools))
			}
			if st.Ready() {
				arrowf("Ready to build and sign APKs\n")
			} else {
				cPrintln(colWarn, "Not ready: APK builds need the android and jdk toolchains plus apksigner and zipalign")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func printTool(name string, ok bool) {
	fmt.Printf("  %-10s", name)
	if ok {
		colSuccess.Println("available")
	} else {
		colWarn.Println("missing")
	}
}

// followInstall renders an installation stream: a progress bar while
// downloading, arrow lines for everything else. It returns the error of a
// Failed event.
func followInstall(ch <-chan InstallationProgress) error {
	var bar *progressbar.ProgressBar
	finishBar := func() {
		if bar != nil {
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
			bar = nil
		}
	}

	var failure error
	for ev := range ch {
		if ev.Stage == StageDownloading {
			if bar == nil {
				bar = progressbar.NewOptions(100,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription(ev.Message),
					progressbar.OptionShowCount(),
					progressbar.OptionSetPredictTime(false),
					progressbar.OptionSetWidth(30),
				)
			}
			_ = bar.Set(ev.Percent)
			continue
		}
		finishBar()
		switch ev.Stage {
		case StageCompleted:
			arrowf("%s\n", ev.Message)
		case StageFailed:
			failure = ev.Err
			if failure == nil {
				failure = errors.New(ev.Message)
			}
		default:
			arrowf("%s\n", ev.Message)
		}
	}
	finishBar()
	return failure
}

func newInstallCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "install <kind> [version]",
		Short: "Install a toolchain (android, jdk, kotlin, ndk, rust, gradle)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := ParseKind(args[0])
			if err != nil {
				return err
			}
			version := ""
			if len(args) == 2 {
				version = args[1]
			}
			if p, ok := a.reg.ResolvePath(kind); ok && !force {
				arrowf("%s is already installed at %s (use --force to reinstall)\n", kind, p)
				return nil
			}
			in, err := a.installer(cmd.Context())
			if err != nil {
				return err
			}
			return followInstall(in.Install(cmd.Context(), kind, version))
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall even if already present")
	return cmd
}

func newUninstallCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "uninstall <kind>",
		Short: "Remove an installed toolchain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := ParseKind(args[0])
			if err != nil {
				return err
			}
			path, ok := a.reg.ResolvePath(kind)
			if !ok {
				arrowf("%s is not installed\n", kind)
				return nil
			}
			if !yes && !askForConfirmation(colWarn, "Remove %s from %s?", kind, path) {
				return nil
			}
			if err := a.reg.Uninstall(cmd.Context(), kind); err != nil {
				return err
			}
			arrowf("%s uninstalled\n", kind)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newCleanupCmd(a *app) *cobra.Command {
	var cache, logs, all, yes bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove cached downloads and build logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				cache, logs = true, true
			}
			if !cache && !logs {
				return fmt.Errorf("nothing to clean: pass --cache, --logs or --all")
			}

			if cache {
				dir := a.reg.CacheDir()
				cPrintf(colWarn, "This removes every cached archive in %s.\n", dir)
				if yes || askForConfirmation(colWarn, "Continue?") {
					if err := NewFetcher(dir, nil).Evict(); err != nil {
						return fmt.Errorf("failed to clean download cache: %w", err)
					}
					arrowf("Download cache removed\n")
				}
			}

			if logs {
				paths, err := ListBuildLogs(a.cfg.LogDir)
				if err != nil {
					return err
				}
				if len(paths) == 0 {
					arrowf("No build logs in %s\n", a.cfg.LogDir)
					return nil
				}
				if yes || askForConfirmation(colWarn, "Remove %d build logs?", len(paths)) {
					for _, p := range paths {
						if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
							return err
						}
					}
					arrowf("%d build logs removed\n", len(paths))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cache, "cache", false, "remove downloaded archives")
	cmd.Flags().BoolVar(&logs, "logs", false, "remove build logs")
	cmd.Flags().BoolVar(&all, "all", false, "remove both")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newSdkCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sdk",
		Short: "Manage Android SDK packages through sdkmanager",
	}
	var available, asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List installed SDK packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := a.installer(cmd.Context())
			if err != nil {
				return err
			}
			comps, err := in.ListAndroidComponents(cmd.Context(), available)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(comps)
			}
			for _, c := range comps {
				fmt.Printf("  %-40s %-10s %s\n", c.Path, c.Version, c.Description)
			}
			if len(comps) == 0 {
				arrowf("No packages\n")
			}
			return nil
		},
	}
	list.Flags().BoolVar(&available, "available", false, "list packages that can be installed")
	list.Flags().BoolVar(&asJSON, "json", false, "print packages as JSON")
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "install <component>...",
		Short: "Install SDK packages, e.g. 'build-tools;34.0.0'",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := a.installer(cmd.Context())
			if err != nil {
				return err
			}
			return followInstall(in.InstallAndroidComponents(cmd.Context(), args...))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall <component>",
		Short: "Remove an SDK package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := a.installer(cmd.Context())
			if err != nil {
				return err
			}
			if err := in.UninstallAndroidComponent(cmd.Context(), args[0]); err != nil {
				return err
			}
			arrowf("%s uninstalled\n", args[0])
			return nil
		},
	})
	return cmd
}

func levelPrinter(l Level) colorPrinter {
	switch l {
	case LevelWarning:
		return colWarn
	case LevelError:
		return colError
	case LevelTask:
		return colNote
	case LevelSuccess:
		return colSuccess
	}
	return nil
}

// followBuild prints a build stream and records it in a build log under
// LOG_DIR. It returns the error of the terminal Error event.
func (a *app) followBuild(command string, ch <-chan CompilationResult) error {
	blog, err := NewBuildLog(a.cfg.LogDir, command)
	if err != nil {
		warnf("build log disabled: %v\n", err)
		blog = nil
	}

	var failure error
	for r := range ch {
		if blog != nil {
			blog.Record(r)
		}
		switch r.Type {
		case ResultProgress:
			cPrintln(levelPrinter(r.Level), r.Message)
		case ResultSuccess:
			arrowf("%s\n", r.Message)
		case ResultError:
			for _, d := range r.Diagnostics {
				colError.Printf("%s:%d: %s\n", d.File, d.Line, d.Message)
			}
			failure = r.Err
			if failure == nil {
				failure = errors.New(r.Message)
			}
		}
	}

	if blog != nil {
		if err := blog.Close(); err != nil {
			warnf("failed to write build log: %v\n", err)
		} else {
			debugf("build log: %s\n", blog.Path)
		}
	}
	return failure
}

func newCompileCmd(a *app) *cobra.Command {
	var opts CompileOptions
	cmd := &cobra.Command{
		Use:       "compile kotlin|java <source>...",
		Short:     "Compile Kotlin or Java sources",
		Args:      cobra.MinimumNArgs(2),
		ValidArgs: []string{"kotlin", "java"},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Sources = args[1:]
			b := a.builder()
			switch args[0] {
			case "kotlin":
				return a.followBuild("compile-kotlin", b.CompileKotlin(cmd.Context(), opts))
			case "java":
				return a.followBuild("compile-java", b.CompileJava(cmd.Context(), opts))
			}
			return fmt.Errorf("unknown language %q (expected kotlin or java)", args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "out", "output directory or .jar")
	cmd.Flags().StringVar(&opts.Classpath, "cp", "", "classpath")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose compiler output")
	cmd.Flags().BoolVar(&opts.IncludeRuntime, "include-runtime", false, "bundle the Kotlin runtime (kotlinc)")
	cmd.Flags().StringVar(&opts.JVMTarget, "jvm-target", "", "target JVM version")
	return cmd
}

func newBuildCmd(a *app) *cobra.Command {
	var opts ProjectOptions
	cmd := &cobra.Command{
		Use:   "build <project> [-- gradle args...]",
		Short: "Build an Android project with Gradle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Dir = args[0]
			opts.ExtraArgs = args[1:]
			return a.followBuild("build", a.builder().BuildProject(cmd.Context(), opts))
		},
	}
	cmd.Flags().StringVar(&opts.Variant, "variant", "debug", "build variant")
	cmd.Flags().StringVar(&opts.Module, "module", "app", "application module")
	return cmd
}

func newCleanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean <project>",
		Short: "Remove build outputs of a Gradle project or Rust crate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.followBuild("clean", a.builder().CleanProject(cmd.Context(), args[0]))
		},
	}
}

func newTestCmd(a *app) *cobra.Command {
	var opts ProjectOptions
	cmd := &cobra.Command{
		Use:   "test <project> [-- extra args...]",
		Short: "Run unit tests of a Gradle project or Rust crate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Dir = args[0]
			opts.ExtraArgs = args[1:]
			return a.followBuild("test", a.builder().TestProject(cmd.Context(), opts))
		},
	}
	cmd.Flags().StringVar(&opts.Variant, "variant", "", "build variant (release adds --release for crates)")
	cmd.Flags().StringVar(&opts.Module, "module", "", "Gradle module to test")
	return cmd
}

func newTasksCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tasks <project>",
		Short: "List the Gradle tasks of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := a.builder().ListGradleTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(tasks)
			}
			group := ""
			for _, t := range tasks {
				if t.Group != group {
					group = t.Group
					colInfo.Printf("%s tasks\n", group)
				}
				fmt.Printf("  %-32s %s\n", t.Name, t.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tasks as JSON")
	return cmd
}

// printJSON writes v to stdout and silences diagnostics so they cannot end
// up inside the document.
func printJSON(v any) error {
	SetLogger(nil)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPassword prompts on the terminal without echo.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("keystore password required (--ks-pass) when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func signFlags(cmd *cobra.Command, opts *SignOptions) {
	cmd.Flags().StringVar(&opts.Keystore, "ks", "", "keystore file")
	cmd.Flags().StringVar(&opts.Alias, "alias", "", "key alias")
	cmd.Flags().StringVar(&opts.Password, "ks-pass", "", "keystore password (prompted when empty)")
	cmd.Flags().StringVar(&opts.KeyPassword, "key-pass", "", "key password (defaults to the keystore password)")
	_ = cmd.MarkFlagRequired("ks")
	_ = cmd.MarkFlagRequired("alias")
}

func ensurePassword(opts *SignOptions) error {
	if opts.Password != "" {
		return nil
	}
	pw, err := readPassword("Keystore password: ")
	if err != nil {
		return err
	}
	opts.Password = pw
	return nil
}

func newSignCmd(a *app) *cobra.Command {
	var opts SignOptions
	cmd := &cobra.Command{
		Use:   "sign <apk>",
		Short: "Sign an APK with apksigner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.In = args[0]
			if err := ensurePassword(&opts); err != nil {
				return err
			}
			return a.followBuild("sign", a.builder().Sign(cmd.Context(), opts))
		},
	}
	signFlags(cmd, &opts)
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "signed APK (default <name>-signed.apk)")
	return cmd
}

func newAlignCmd(a *app) *cobra.Command {
	var opts AlignOptions
	cmd := &cobra.Command{
		Use:   "align <apk>",
		Short: "Align an APK with zipalign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.In = args[0]
			return a.followBuild("align", a.builder().Align(cmd.Context(), opts))
		},
	}
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "aligned APK (default <name>-aligned.apk)")
	return cmd
}

func newCargoCmd(a *app) *cobra.Command {
	var opts CargoOptions
	cmd := &cobra.Command{
		Use:   "cargo <crate>",
		Short: "Build a Rust crate with cargo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Dir = args[0]
			return a.followBuild("cargo", a.builder().CargoBuild(cmd.Context(), opts))
		},
	}
	cmd.Flags().BoolVar(&opts.Release, "release", false, "optimized build")
	cmd.Flags().StringVar(&opts.Target, "target", "", "target triple, e.g. aarch64-linux-android")
	return cmd
}

func newReleaseCmd(a *app) *cobra.Command {
	var opts ReleaseOptions
	cmd := &cobra.Command{
		Use:   "release <project>",
		Short: "Build, align and sign a release APK",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Project.Dir = args[0]
			if err := ensurePassword(&opts.Sign); err != nil {
				return err
			}
			return a.followBuild("release", a.builder().PackageRelease(cmd.Context(), opts))
		},
	}
	signFlags(cmd, &opts.Sign)
	cmd.Flags().StringVar(&opts.Project.Variant, "variant", "release", "build variant")
	cmd.Flags().StringVar(&opts.Project.Module, "module", "app", "application module")
	return cmd
}

func newLogCmd(a *app) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "log [file]",
		Short: "Show the latest (or a given) build log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := ListBuildLogs(a.cfg.LogDir)
			if err != nil {
				return err
			}
			if list {
				for _, l := range logs {
					fmt.Println(filepath.Base(l))
				}
				return nil
			}
			var path string
			switch {
			case len(args) == 1 && filepath.IsAbs(args[0]):
				path = args[0]
			case len(args) == 1:
				path = filepath.Join(a.cfg.LogDir, args[0])
			case len(logs) > 0:
				path = logs[0]
			default:
				return fmt.Errorf("no build logs in %s", a.cfg.LogDir)
			}
			lines, err := ReadBuildLog(path)
			if err != nil {
				return err
			}
			return RunPager(filepath.Base(path), lines)
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list build logs, newest first")
	return cmd
}

func newMirrorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Manage the R2 archive mirror",
	}
	client := func(ctx context.Context) (*R2Client, error) {
		return NewR2Client(ctx, a.cfg.R2)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls [prefix]",
		Short: "List mirrored archives",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r2, err := client(cmd.Context())
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			objs, err := r2.ListObjects(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			for _, o := range objs {
				fmt.Printf("%10d  %s\n", o.Size, o.Key)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "push <kind> [version]",
		Short: "Fetch a catalog archive and upload it to the mirror",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := ParseKind(args[0])
			if err != nil {
				return err
			}
			version := ""
			if len(args) == 2 {
				version = args[1]
			}
			r2, err := client(cmd.Context())
			if err != nil {
				return err
			}
			cat, err := LoadCatalog(a.cfg.CatalogFile)
			if err != nil {
				return err
			}
			art, err := cat.Resolve(kind, version, a.caps)
			if err != nil {
				return err
			}
			// Fetch from the origin only; the mirror is what we are filling.
			fetcher := NewFetcher(a.reg.CacheDir(), nil)
			ch := make(chan InstallationProgress)
			var file string
			go func() {
				defer close(ch)
				var ferr error
				file, ferr = fetcher.Fetch(cmd.Context(), art.URL, art.File, art.Digest, func(p int) {
					ch <- InstallationProgress{Stage: StageDownloading, Kind: kind, Message: "Downloading " + art.URL, Percent: p}
				})
				if ferr != nil {
					ch <- InstallationProgress{Stage: StageFailed, Kind: kind, Message: ferr.Error(), Err: ferr}
				}
			}()
			if err := followInstall(ch); err != nil {
				return err
			}
			key := art.File
			if key == "" {
				key = urlBase(art.URL)
			}
			if err := r2.UploadLocalFile(cmd.Context(), key, file); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			arrowf("Uploaded %s\n", key)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a mirrored archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r2, err := client(cmd.Context())
			if err != nil {
				return err
			}
			if err := r2.DeleteFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			arrowf("Deleted %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and validate toolchain catalogs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a catalog file against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			issues, err := ValidateCatalog(data, args[0])
			if err != nil {
				return err
			}
			if len(issues) == 0 {
				arrowf("%s is valid\n", args[0])
				return nil
			}
			for _, is := range issues {
				colError.Printf("  %s\n", is)
			}
			return fmt.Errorf("%d catalog issues", len(issues))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "versions <kind>",
		Short: "List installable versions of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := ParseKind(args[0])
			if err != nil {
				return err
			}
			cat, err := LoadCatalog(a.cfg.CatalogFile)
			if err != nil {
				return err
			}
			def := cat.Toolchains[kind.String()].Default
			for _, v := range cat.Versions(kind) {
				if v == def {
					colSuccess.Printf("%s (default)\n", v)
				} else {
					fmt.Println(v)
				}
			}
			return nil
		},
	})
	return cmd
}
