package toolforge

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// hashString returns the hex BLAKE3-256 digest of s.
func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

// fileDigest streams path through BLAKE3-256.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	buf := make([]byte, downloadBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyDigest compares the file against an expected hex digest. An empty
// expectation always passes.
func verifyDigest(path, want string) error {
	if want == "" {
		return nil
	}
	got, err := fileDigest(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, strings.TrimSpace(want)) {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", path, want, got)
	}
	return nil
}
