package pkgstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	appErr "gavel/pkg/errors"
)

// FetchSource downloads a submission source object into dstDir and
// verifies its sha256 when a hash is provided. Returns the local path.
func FetchSource(ctx context.Context, storage ObjectStorage, bucket, key, hash, dstDir string) (string, error) {
	if key == "" {
		return "", appErr.ValidationError("source_key", "required")
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.PackageError, "create source dir failed")
	}
	path := filepath.Join(dstDir, "source.code")

	reader, err := storage.GetObject(ctx, bucket, key)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.PackageError, "download source failed")
	}
	defer reader.Close()

	file, err := os.Create(path)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.PackageError, "create source file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(file, io.TeeReader(reader, hasher)); err != nil {
		return "", appErr.Wrapf(err, appErr.PackageError, "write source file failed")
	}
	if hash != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, hash) {
			return "", appErr.New(appErr.InvalidParams).WithMessage("source hash mismatch")
		}
	}
	return path, nil
}
