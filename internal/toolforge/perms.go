package toolforge

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// markExecutable adds the execute bits to each existing regular file.
func markExecutable(paths ...string) error {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := os.Chmod(p, info.Mode().Perm()|0o755); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", p, err)
		}
	}
	return nil
}

// markDirExecutable makes every regular file directly inside dir executable.
// A missing dir is not an error.
func markDirExecutable(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return markExecutable(paths...)
}

// markBinTrees walks root and makes executable every file that sits in a
// directory named "bin" or whose name is one of names.
func markBinTrees(root string, names ...string) error {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Base(filepath.Dir(p)) == "bin" || want[d.Name()] {
			return markExecutable(p)
		}
		return nil
	})
}

// isExecutable reports a regular file with any execute bit set.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
