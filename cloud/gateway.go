/*
Copyright © 2019 the AgriSync authors.
This file is part of AgriSync.

AgriSync is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

AgriSync is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with AgriSync.  If not, see <http://www.gnu.org/licenses/>.
*/

package cloud

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Key prefixes of the archive layout.
const (
	RasterPrefix = "rasters/"
	MaskPrefix   = "masks/"
	RegionPrefix = "regions/"
)

// A Gateway moves rasters between local temp files and the archive
// bucket. Object writes are atomic at the blob layer: a key is either
// absent or holds a complete raster.
type Gateway struct {
	bucket *blob.Bucket
}

// NewGateway wraps an open bucket.
func NewGateway(b *blob.Bucket) *Gateway { return &Gateway{bucket: b} }

// Close releases the underlying bucket.
func (g *Gateway) Close() error { return g.bucket.Close() }

// Put uploads the file at localPath under key.
func (g *Gateway) Put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("cloud: %v", err)
	}
	defer f.Close()
	w, err := g.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("cloud: opening writer for %s: %v", key, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("cloud: uploading %s: %v", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("cloud: committing %s: %v", key, err)
	}
	return nil
}

// Fetch downloads key into destDir and returns the local path. The
// file name is the base name of the key.
func (g *Gateway) Fetch(ctx context.Context, key, destDir string) (string, error) {
	r, err := g.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return "", fmt.Errorf("cloud: opening %s: %v", key, err)
	}
	defer r.Close()
	dest := filepath.Join(destDir, filepath.Base(key))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("cloud: %v", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("cloud: downloading %s: %v", key, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("cloud: %v", err)
	}
	return dest, nil
}

// Delete removes key. Deleting an absent key is not an error; the
// purge path must be idempotent.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	err := g.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("cloud: deleting %s: %v", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := g.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cloud: checking %s: %v", key, err)
	}
	return ok, nil
}

// List returns the keys under prefix.
func (g *Gateway) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("cloud: listing %s: %v", prefix, err)
		}
		keys = append(keys, obj.Key)
	}
}
