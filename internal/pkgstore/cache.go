package pkgstore

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	appErr "gavel/pkg/errors"
)

const (
	metaFileName = "meta.json"
	tempFileName = "pack.tmp"
	manifestName = "manifest.json"
	configName   = "config.json"
)

// PackRef identifies one immutable problem package version.
type PackRef struct {
	ProblemID int64  `json:"problem_id"`
	Version   int32  `json:"version"`
	PackKey   string `json:"pack_key"`
	PackHash  string `json:"pack_hash"`
}

// Cache keeps unpacked problem packages in a local directory tree,
// keyed by problem id and version. A package version is immutable, so a
// disk hit whose recorded hash matches never refetches.
type Cache struct {
	rootDir    string
	bucket     string
	storage    ObjectStorage
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruKeys []string
	// fetching serializes concurrent fetches of the same package.
	fetching map[string]*sync.Mutex
}

type cacheEntry struct {
	path      string
	expiresAt time.Time
}

// CacheConfig configures the package cache.
type CacheConfig struct {
	RootDir    string        `yaml:"rootDir"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"maxEntries"`
}

// NewCache creates a package cache over an object store.
func NewCache(cfg CacheConfig, bucket string, storage ObjectStorage) (*Cache, error) {
	if cfg.RootDir == "" {
		return nil, appErr.ValidationError("cache.rootDir", "required")
	}
	if storage == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("object storage is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 64
	}
	return &Cache{
		rootDir:    cfg.RootDir,
		bucket:     bucket,
		storage:    storage,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]*cacheEntry),
		fetching:   make(map[string]*sync.Mutex),
	}, nil
}

// Get returns the local directory holding the unpacked package,
// fetching and extracting it first when needed.
func (c *Cache) Get(ctx context.Context, ref PackRef) (string, error) {
	if ref.ProblemID <= 0 || ref.Version <= 0 {
		return "", appErr.ValidationError("pack_ref", "problem id and version are required")
	}
	key := cacheKey(ref)
	path := filepath.Join(c.rootDir, fmt.Sprintf("%d", ref.ProblemID), fmt.Sprintf("%d", ref.Version))

	if c.hitEntry(key) {
		return path, nil
	}

	lock := c.fetchLock(key)
	lock.Lock()
	defer lock.Unlock()

	if c.checkDisk(path, ref) {
		c.addEntry(key, path)
		return path, nil
	}
	if err := c.fetchAndExtract(ctx, ref, path); err != nil {
		return "", err
	}
	c.addEntry(key, path)
	return path, nil
}

func cacheKey(ref PackRef) string {
	return fmt.Sprintf("%d:%d", ref.ProblemID, ref.Version)
}

func (c *Cache) fetchLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.fetching[key]
	if !ok {
		lock = &sync.Mutex{}
		c.fetching[key] = lock
	}
	return lock
}

func (c *Cache) hitEntry(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		c.dropLRULocked(key)
		return false
	}
	entry.expiresAt = time.Now().Add(c.ttl)
	c.touchLocked(key)
	return true
}

func (c *Cache) checkDisk(path string, ref PackRef) bool {
	data, err := os.ReadFile(filepath.Join(path, metaFileName))
	if err != nil {
		return false
	}
	var stored PackRef
	if err := json.Unmarshal(data, &stored); err != nil {
		return false
	}
	if stored.PackHash != ref.PackHash {
		return false
	}
	_, err = os.Stat(filepath.Join(path, manifestName))
	return err == nil
}

func (c *Cache) fetchAndExtract(ctx context.Context, ref PackRef, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return appErr.Wrapf(err, appErr.PackageError, "cleanup cache dir failed")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return appErr.Wrapf(err, appErr.PackageError, "create cache dir failed")
	}

	tempPath := filepath.Join(path, tempFileName)
	if err := c.download(ctx, ref, tempPath); err != nil {
		return err
	}
	if err := extract(tempPath, path); err != nil {
		return err
	}
	_ = os.Remove(tempPath)

	metaBytes, _ := json.Marshal(ref)
	if err := os.WriteFile(filepath.Join(path, metaFileName), metaBytes, 0644); err != nil {
		return appErr.Wrapf(err, appErr.PackageError, "write pack meta failed")
	}
	return nil
}

func (c *Cache) download(ctx context.Context, ref PackRef, dstPath string) error {
	if ref.PackKey == "" {
		return appErr.ValidationError("pack_key", "required")
	}
	reader, err := c.storage.GetObject(ctx, c.bucket, ref.PackKey)
	if err != nil {
		return appErr.Wrapf(err, appErr.PackageError, "download pack failed")
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.PackageError, "create pack file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(file, io.TeeReader(reader, hasher)); err != nil {
		return appErr.Wrapf(err, appErr.PackageError, "write pack file failed")
	}
	if ref.PackHash != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, ref.PackHash) {
			return appErr.New(appErr.PackageError).WithMessage("pack hash mismatch")
		}
	}
	return nil
}

// extract unpacks a .tar.zst archive, refusing entries that would land
// outside the destination directory.
func extract(srcPath, dstDir string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.PackageError, "open pack failed")
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.PackageError, "create zstd reader failed")
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.PackageError, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		clean := filepath.Clean(hdr.Name)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return appErr.New(appErr.PackageError).WithMessage("invalid tar entry path")
		}
		target := filepath.Join(dstDir, clean)
		if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(filepath.Separator)) {
			return appErr.New(appErr.PackageError).WithMessage("tar entry escape detected")
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.PackageError, "create dir failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return appErr.Wrapf(err, appErr.PackageError, "create parent dir failed")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return appErr.Wrapf(err, appErr.PackageError, "create file failed")
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return appErr.Wrapf(err, appErr.PackageError, "write file failed")
			}
			_ = out.Close()
		default:
			// symlinks and devices have no place in a test bundle
		}
	}
	return nil
}

func (c *Cache) addEntry(key, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{path: path, expiresAt: time.Now().Add(c.ttl)}
	c.touchLocked(key)
	for len(c.entries) > c.maxEntries {
		oldest := c.lruKeys[0]
		c.lruKeys = c.lruKeys[1:]
		if entry, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			_ = os.RemoveAll(entry.path)
		}
	}
}

func (c *Cache) touchLocked(key string) {
	c.dropLRULocked(key)
	c.lruKeys = append(c.lruKeys, key)
}

func (c *Cache) dropLRULocked(key string) {
	for i, k := range c.lruKeys {
		if k == key {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			return
		}
	}
}
