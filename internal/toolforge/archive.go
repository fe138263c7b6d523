package toolforge

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

var errUnsafePath = errors.New("illegal file path in archive")

// ExtractArchive picks the extractor from the file suffix.
func ExtractArchive(file, dest string) error {
	switch {
	case strings.HasSuffix(file, ".zip"):
		return ExtractZip(file, dest)
	case strings.HasSuffix(file, ".tar.gz"), strings.HasSuffix(file, ".tgz"):
		return ExtractTarGz(file, dest)
	case strings.HasSuffix(file, ".tar.xz"):
		return ExtractTarXz(file, dest)
	case strings.HasSuffix(file, ".tar.zst"):
		return ExtractTarZst(file, dest)
	case strings.HasSuffix(file, ".tar"):
		return extractTar(file, dest, nil)
	}
	return &ExtractionError{Archive: file, Err: fmt.Errorf("unsupported archive format")}
}

// safeJoin resolves an archive entry under dest and rejects anything that
// would land outside it.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	return target, nil
}

// refuseSymlinkParents fails when any directory between dest and target is a
// symlink, so no entry is ever written through a link.
func refuseSymlinkParents(dest, target string) error {
	rel, err := filepath.Rel(dest, filepath.Dir(target))
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	cur := dest
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s goes through symlink %s", errUnsafePath, target, cur)
		}
	}
	return nil
}

// removeIfSymlink drops an existing link at path so that opening path for
// writing cannot follow it.
func removeIfSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	return os.Remove(path)
}

// ExtractZip writes every entry of a ZIP file below dest. Entries get default
// permissions; executable bits are fixed up by the caller after install.
func ExtractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return &ExtractionError{Archive: src, Err: err}
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return &ExtractionError{Archive: src, Err: err}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return &ExtractionError{Archive: src, Err: err}
	}

	for _, f := range r.File {
		fpath, err := safeJoin(dest, f.Name)
		if err == nil {
			err = refuseSymlinkParents(dest, fpath)
		}
		if err != nil {
			return &ExtractionError{Archive: src, Entry: f.Name, Err: err}
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return &ExtractionError{Archive: src, Entry: f.Name, Err: err}
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return &ExtractionError{Archive: src, Entry: f.Name, Err: err}
		}
		if err := writeZipEntry(f, fpath); err != nil {
			return &ExtractionError{Archive: src, Entry: f.Name, Err: err}
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, fpath string) error {
	outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		outFile.Close()
		return err
	}
	_, err = io.Copy(outFile, rc)

	// Close inside the loop to avoid holding too many file descriptors.
	rc.Close()
	if cerr := outFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// ExtractTarGz extracts a gzip compressed tarball.
func ExtractTarGz(file, dest string) error {
	return extractTar(file, dest, func(r io.Reader) (io.ReadCloser, error) {
		return pgzip.NewReader(r)
	})
}

// ExtractTarXz extracts an xz compressed tarball.
func ExtractTarXz(file, dest string) error {
	return extractTar(file, dest, func(r io.Reader) (io.ReadCloser, error) {
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	})
}

// ExtractTarZst extracts a zstd compressed tarball.
func ExtractTarZst(file, dest string) error {
	return extractTar(file, dest, func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	})
}

// extractTar walks a tarball through an optional decompressor. Regular files
// keep only the executable bits of their header mode on top of 0644, and the
// mode is applied explicitly so the umask cannot strip it. The top-level
// directory is never stripped.
func extractTar(file, dest string, decompress func(io.Reader) (io.ReadCloser, error)) error {
	f, err := os.Open(file)
	if err != nil {
		return &ExtractionError{Archive: file, Err: err}
	}
	defer f.Close()

	var r io.Reader = f
	if decompress != nil {
		dr, err := decompress(f)
		if err != nil {
			return &ExtractionError{Archive: file, Err: err}
		}
		defer dr.Close()
		r = dr
	}

	dest, err = filepath.Abs(dest)
	if err != nil {
		return &ExtractionError{Archive: file, Err: err}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return &ExtractionError{Archive: file, Err: err}
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &ExtractionError{Archive: file, Err: fmt.Errorf("error reading tar header: %w", err)}
		}
		if err := extractTarEntry(tr, hdr, dest); err != nil {
			return &ExtractionError{Archive: file, Entry: hdr.Name, Err: err}
		}
	}
	return nil
}

func extractTarEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	targetPath, err := safeJoin(dest, hdr.Name)
	if err != nil {
		return err
	}
	if err := refuseSymlinkParents(dest, targetPath); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(targetPath, 0o755)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return err
		}
		if err := removeIfSymlink(targetPath); err != nil {
			return err
		}
		mode := os.FileMode(0o644) | os.FileMode(hdr.Mode)&0o111
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(outFile, tr); err != nil {
			outFile.Close()
			return err
		}
		if err := outFile.Close(); err != nil {
			return err
		}
		return os.Chmod(targetPath, mode)

	case tar.TypeSymlink:
		// Links must stay inside dest, resolved from the directory holding them.
		if filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("%w: %s -> %s", errUnsafePath, hdr.Name, hdr.Linkname)
		}
		rel, err := filepath.Rel(dest, filepath.Join(filepath.Dir(targetPath), hdr.Linkname))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s -> %s", errUnsafePath, hdr.Name, hdr.Linkname)
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return err
		}
		_ = os.Remove(targetPath)
		return os.Symlink(hdr.Linkname, targetPath)

	case tar.TypeLink:
		linkTarget, err := safeJoin(dest, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := refuseSymlinkParents(dest, linkTarget); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return err
		}
		_ = os.Remove(targetPath)
		return os.Link(linkTarget, targetPath)
	}

	debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
	return nil
}
