package pkgstore_test

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"

	"gavel/internal/pkgstore"
	appErr "gavel/pkg/errors"
)

// memStorage serves objects from a map and counts fetches.
type memStorage struct {
	objects map[string][]byte
	gets    atomic.Int64
}

func (m *memStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.gets.Add(1)
	data, ok := m.objects[key]
	if !ok {
		return nil, appErr.New(appErr.NotFound).WithMessage("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func buildPack(t *testing.T, files map[string]string) (data []byte, hash string) {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func newCache(t *testing.T, storage pkgstore.ObjectStorage) *pkgstore.Cache {
	t.Helper()
	c, err := pkgstore.NewCache(pkgstore.CacheConfig{RootDir: t.TempDir()}, "packs", storage)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestCacheFetchAndExtract(t *testing.T) {
	pack, hash := buildPack(t, map[string]string{
		"manifest.json": `{"problemId":1,"version":1,"tests":[]}`,
		"tests/a.in":    "1 2\n",
		"tests/a.ans":   "3\n",
	})
	storage := &memStorage{objects: map[string][]byte{"p1/v1.tar.zst": pack}}
	cache := newCache(t, storage)

	ref := pkgstore.PackRef{ProblemID: 1, Version: 1, PackKey: "p1/v1.tar.zst", PackHash: hash}
	dir, err := cache.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "tests", "a.in"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "1 2\n" {
		t.Fatalf("extracted content = %q", got)
	}

	// second call must come from cache
	if _, err := cache.Get(context.Background(), ref); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if n := storage.gets.Load(); n != 1 {
		t.Fatalf("storage fetched %d times, want 1", n)
	}
}

func TestCacheHashMismatch(t *testing.T) {
	pack, _ := buildPack(t, map[string]string{"manifest.json": "{}"})
	storage := &memStorage{objects: map[string][]byte{"k": pack}}
	cache := newCache(t, storage)

	ref := pkgstore.PackRef{ProblemID: 1, Version: 1, PackKey: "k", PackHash: "deadbeef"}
	if _, err := cache.Get(context.Background(), ref); appErr.GetCode(err) != appErr.PackageError {
		t.Fatalf("err = %v, want PackageError", err)
	}
}

func TestCacheRejectsTraversal(t *testing.T) {
	pack, hash := buildPack(t, map[string]string{"../escape": "x"})
	storage := &memStorage{objects: map[string][]byte{"k": pack}}
	cache := newCache(t, storage)

	ref := pkgstore.PackRef{ProblemID: 1, Version: 1, PackKey: "k", PackHash: hash}
	if _, err := cache.Get(context.Background(), ref); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func TestFetchSource(t *testing.T) {
	body := []byte("int main() {}\n")
	sum := sha256.Sum256(body)
	storage := &memStorage{objects: map[string][]byte{"src/s1": body}}

	path, err := pkgstore.FetchSource(context.Background(), storage, "sources", "src/s1",
		hex.EncodeToString(sum[:]), t.TempDir())
	if err != nil {
		t.Fatalf("fetch source: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("source content = %q", got)
	}

	_, err = pkgstore.FetchSource(context.Background(), storage, "sources", "src/s1", "0000", t.TempDir())
	if appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("err = %v, want InvalidParams on hash mismatch", err)
	}
}
