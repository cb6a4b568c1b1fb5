// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keelscm/keel/modules/plumbing"
)

// hotStore keeps loose payloads on local disk, sharded two hex levels
// deep so no directory grows unbounded. The repository directory also
// hosts the packed/ area, the index sidecar and quarantine staging;
// only two-hex-digit children belong to this store.
type hotStore struct {
	root string
}

func newHotStore(root string) *hotStore {
	return &hotStore{root: root}
}

func (s *hotStore) path(oid plumbing.Hash) string {
	h := oid.String()
	return filepath.Join(s.root, h[0:2], h[2:4], h)
}

func (s *hotStore) Get(ctx context.Context, oid plumbing.Hash) ([]byte, error) {
	payload, err := os.ReadFile(s.path(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, plumbing.NoSuchObject(oid)
		}
		return nil, err
	}
	return payload, nil
}

// Put writes to a temporary file in the destination directory and
// renames it into place, concurrent readers never observe a torn
// object.
func (s *hotStore) Put(ctx context.Context, oid plumbing.Hash, payload []byte) error {
	name := s.path(oid)
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return err
	}
	fd, err := os.CreateTemp(filepath.Dir(name), "tmp-*")
	if err != nil {
		return err
	}
	if _, err := fd.Write(payload); err != nil {
		_ = fd.Close()
		_ = os.Remove(fd.Name())
		return err
	}
	if err := fd.Close(); err != nil {
		_ = os.Remove(fd.Name())
		return err
	}
	return os.Rename(fd.Name(), name)
}

func (s *hotStore) Delete(ctx context.Context, oid plumbing.Hash) error {
	if err := os.Remove(s.path(oid)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *hotStore) Has(ctx context.Context, oid plumbing.Hash) (bool, error) {
	if _, err := os.Stat(s.path(oid)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *hotStore) List(ctx context.Context, fn func(oid plumbing.Hash, size int64) error) error {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, d := range dirs {
		if !d.IsDir() || !plumbing.IsLooseDir(d.Name()) {
			continue
		}
		if err := s.listShard(ctx, filepath.Join(s.root, d.Name()), fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *hotStore) listShard(ctx context.Context, shard string, fn func(oid plumbing.Hash, size int64) error) error {
	return filepath.WalkDir(shard, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		oid, err := plumbing.NewHashEx(d.Name())
		if err != nil {
			// temp files and strays
			return nil
		}
		si, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(oid, si.Size())
	})
}
