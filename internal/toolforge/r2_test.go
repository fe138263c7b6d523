package toolforge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeBucket answers path-style GetObject requests for a single bucket.
func fakeBucket(t *testing.T, objects map[string][]byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := objects[r.URL.Path]
		if r.Method != http.MethodGet || !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>not found</Message><Key>%s</Key></Error>`, r.URL.Path)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func testR2Config(endpoint string) R2Config {
	return R2Config{AccessKeyID: "key", SecretAccessKey: "secret", Bucket: "toolchains", Endpoint: endpoint}
}

func TestNewR2ClientRequiresCredentials(t *testing.T) {
	_, err := NewR2Client(context.Background(), R2Config{Bucket: "toolchains"})
	require.ErrorContains(t, err, "R2 credentials missing")

	require.True(t, R2Config{AccountID: "acct", AccessKeyID: "k", SecretAccessKey: "s", Bucket: "b"}.Enabled())
}

func TestR2DownloadToFile(t *testing.T) {
	payload := []byte("android-ndk-r25c-linux.zip contents")
	server := fakeBucket(t, map[string][]byte{"/toolchains/android-ndk-r25c-linux.zip": payload})

	client, err := NewR2Client(context.Background(), testR2Config(server.URL))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "ndk.zip.part")
	var percents []int
	require.NoError(t, client.DownloadToFile(context.Background(), "android-ndk-r25c-linux.zip", dest, func(p int) {
		percents = append(percents, p)
	}))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, 100, percents[len(percents)-1])

	err = client.DownloadToFile(context.Background(), "missing.zip", dest, nil)
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, "r2://toolchains/missing.zip", netErr.URL)
}

func TestR2AsFetcherMirror(t *testing.T) {
	server := fakeBucket(t, map[string][]byte{"/toolchains/gradle-8.4-bin.zip": []byte("from r2")})
	client, err := NewR2Client(context.Background(), testR2Config(server.URL))
	require.NoError(t, err)

	f := NewFetcher(t.TempDir(), client)
	path, err := f.Fetch(context.Background(), "https://services.gradle.org/distributions/gradle-8.4-bin.zip", "", "", nil)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "from r2", string(got))
}

func TestArchiveContentType(t *testing.T) {
	for key, want := range map[string]string{
		"kotlin.zip":     "application/zip",
		"jdk.tar.gz":     "application/gzip",
		"ndk.tar.xz":     "application/x-xz",
		"sdk.tar.zst":    "application/zstd",
		"rustup-init.sh": "text/x-shellscript",
		"blob":           "application/octet-stream",
	} {
		require.Equal(t, want, archiveContentType(key), key)
	}
}
