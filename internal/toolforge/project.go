package toolforge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// isCargoProject reports a crate: a Cargo.toml at the top of dir.
func isCargoProject(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "Cargo.toml"))
	return err == nil
}

// CleanStage removes build outputs: cargo clean for a crate, otherwise
// ./gradlew|gradle clean.
func (b *Builder) CleanStage(dir string) BuildStage {
	if isCargoProject(dir) {
		return BuildStage{
			Name:    "clean",
			Tool:    "cargo",
			Dir:     dir,
			Timeout: b.Timeouts.Cargo,
			Command: func(tool, _ string) ([]string, error) {
				return []string{tool, "clean"}, nil
			},
		}
	}
	return BuildStage{
		Name:    "clean",
		Tool:    b.gradleFor(dir),
		Dir:     dir,
		Timeout: b.Timeouts.Build,
		Command: func(tool, _ string) ([]string, error) {
			return []string{tool, "clean"}, nil
		},
	}
}

// TestStage runs unit tests. Crates get cargo test, with --release for the
// release variant. Gradle projects run test, or test<Variant>UnitTest when
// a variant is given.
func (b *Builder) TestStage(opts ProjectOptions) BuildStage {
	if isCargoProject(opts.Dir) {
		return BuildStage{
			Name:    "test",
			Tool:    "cargo",
			Dir:     opts.Dir,
			Timeout: b.Timeouts.Cargo,
			Command: func(tool, _ string) ([]string, error) {
				argv := []string{tool, "test"}
				if opts.Variant == "release" {
					argv = append(argv, "--release")
				}
				return append(argv, opts.ExtraArgs...), nil
			},
		}
	}
	task := "test"
	if opts.Variant != "" {
		task = "test" + strings.TrimPrefix(variantTask(opts.Variant), "assemble") + "UnitTest"
	}
	if opts.Module != "" {
		task = ":" + opts.Module + ":" + task
	}
	return BuildStage{
		Name:    "test",
		Tool:    b.gradleFor(opts.Dir),
		Dir:     opts.Dir,
		Timeout: b.Timeouts.Build,
		Command: func(tool, _ string) ([]string, error) {
			return append([]string{tool, task}, opts.ExtraArgs...), nil
		},
	}
}

// CleanProject runs a single clean stage.
func (b *Builder) CleanProject(ctx context.Context, dir string) <-chan CompilationResult {
	return b.Run(ctx, b.CleanStage(dir))
}

// TestProject runs a single test stage.
func (b *Builder) TestProject(ctx context.Context, opts ProjectOptions) <-chan CompilationResult {
	return b.Run(ctx, b.TestStage(opts))
}

// GradleTask is one entry of `gradle tasks --all`.
type GradleTask struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Group       string `json:"group"`
}

// TasksStage lists the tasks of a Gradle project:
// ./gradlew|gradle tasks --all --console=plain
func (b *Builder) TasksStage(dir string) BuildStage {
	return BuildStage{
		Name:    "tasks",
		Tool:    b.gradleFor(dir),
		Dir:     dir,
		Timeout: b.Timeouts.Build,
		Command: func(tool, _ string) ([]string, error) {
			return []string{tool, "tasks", "--all", "--console=plain"}, nil
		},
	}
}

// ListGradleTasks runs the tasks stage to completion and parses its output.
func (b *Builder) ListGradleTasks(ctx context.Context, dir string) ([]GradleTask, error) {
	var last CompilationResult
	for r := range b.Run(ctx, b.TasksStage(dir)) {
		last = r
	}
	switch {
	case last.Type == ResultSuccess:
	case last.Err != nil:
		return nil, last.Err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, errors.New("gradle tasks ended without a result")
	}
	return parseGradleTasks(last.Output), nil
}

// parseGradleTasks reads the report printed by `gradle tasks`. A group is a
// "<Name> tasks" line underlined with dashes; each task is "name - text" or a
// bare name. help and tasks themselves are left out.
func parseGradleTasks(out string) []GradleTask {
	var tasks []GradleTask
	group := "Other"
	started := false
	prev := ""
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if !started {
			started = strings.Contains(strings.ToLower(line), "tasks runnable from")
			continue
		}
		switch {
		case line == "":
			prev = ""
			continue
		case strings.HasPrefix(line, "To see"), strings.HasPrefix(line, "BUILD "), line == "Rules":
			return tasks
		case len(line) >= 3 && strings.Trim(line, "-") == "":
			if strings.HasSuffix(prev, " tasks") {
				group = strings.TrimSuffix(prev, " tasks")
			}
			prev = ""
			continue
		}

		name, desc, _ := strings.Cut(line, " - ")
		name = strings.TrimSpace(name)
		prev = line
		if name == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		if name == "help" || name == "tasks" {
			continue
		}
		tasks = append(tasks, GradleTask{Name: name, Description: strings.TrimSpace(desc), Group: group})
	}
	return tasks
}
