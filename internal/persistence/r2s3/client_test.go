package r2s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresFields(t *testing.T) {
	_, err := New(Config{Endpoint: "r2.example.com", Bucket: "b"})
	assert.Error(t, err)

	c, err := New(Config{Endpoint: "r2.example.com/", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "https://r2.example.com", c.endpoint)
	assert.Equal(t, "auto", c.region)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TEST_R2_ENDPOINT", "http://localhost:9000")
	t.Setenv("TEST_R2_BUCKET", "audit")
	cfg, ok := ConfigFromEnv("TEST_R2_")
	require.True(t, ok)
	assert.Equal(t, "audit", cfg.Bucket)

	_, ok = ConfigFromEnv("TEST_NOPE_")
	assert.False(t, ok)
}

func TestPutFile_SignsPathStyleRequest(t *testing.T) {
	var gotPath, gotAuth, gotType, gotBody, gotHash string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotHash = r.Header.Get("x-amz-content-sha256")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "bkt", AccessKeyID: "AK", SecretAccessKey: "SK", Region: "us-east-1"})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "audit-2026-03-01-11.jsonl.zst")
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0o644))
	require.NoError(t, c.PutFile(testContext(t), "/chunkcap/audit/a b.zst", local))

	assert.Equal(t, "/bkt/chunkcap/audit/a%20b.zst", gotPath)
	assert.Equal(t, "payload", gotBody)
	assert.Equal(t, "application/zstd", gotType)
	assert.Equal(t, sha256Hex([]byte("payload")), gotHash)
	assert.True(t, strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AK/20260301/us-east-1/s3/aws4_request"), gotAuth)
	assert.Contains(t, gotAuth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date")
}

func TestPutFile_ReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "bkt", AccessKeyID: "AK", SecretAccessKey: "SK"})
	require.NoError(t, err)
	local := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	err = c.PutFile(testContext(t), "k", local)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=403")
	assert.Error(t, c.PutFile(testContext(t), "../", local))
}

func TestNormalizeObjectKey(t *testing.T) {
	assert.Equal(t, "a/b", normalizeObjectKey(`\a\b`))
	assert.Equal(t, "a/c", normalizeObjectKey("a/b/../c"))
	assert.Equal(t, "", normalizeObjectKey("   "))
}

func TestObjectSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, emptyPayloadHash, r.Header.Get("x-amz-content-sha256"))
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "bkt", AccessKeyID: "AK", SecretAccessKey: "SK"})
	require.NoError(t, err)

	n, found, err := c.ObjectSize(testContext(t), "a/b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), n)

	_, found, err = c.ObjectSize(testContext(t), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMirror_SkipsUnchangedObjects(t *testing.T) {
	var puts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Content-Length", "1")
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			puts.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "bkt", AccessKeyID: "AK", SecretAccessKey: "SK"})
	require.NoError(t, err)
	dir := t.TempDir()
	m := NewMirror(c, dir, MirrorOptions{})
	m.Enqueue(touch(t, filepath.Join(dir, "audit", "same.zst")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit", "bigger.zst"), []byte("xyz"), 0o644))
	m.Enqueue(filepath.Join(dir, "audit", "bigger.zst"))
	m.Close()

	assert.Equal(t, int64(1), puts.Load())
	assert.Equal(t, uint64(1), m.Stats().UnchangedTotal)
	assert.Equal(t, uint64(1), m.Stats().UploadSuccessTotal)
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled
// when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
