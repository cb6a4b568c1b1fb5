// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	keyColumns = `id, uid, content, title, type, fingerprint, created_at, updated_at`
)

func scanKey(row rowScanner) (*Key, error) {
	var k Key
	if err := row.Scan(&k.ID, &k.UID, &k.Content, &k.Title, &k.Type, &k.Fingerprint, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// SearchKey looks a key up by its SHA256 fingerprint, the form the SSH
// public key callback computes.
func (d *database) SearchKey(ctx context.Context, fingerprint string) (*Key, error) {
	return scanKey(d.QueryRowContext(ctx, "select "+keyColumns+" from ssh_keys where fingerprint = ?", fingerprint))
}

func (d *database) FindKey(ctx context.Context, id int64) (*Key, error) {
	return scanKey(d.QueryRowContext(ctx, "select "+keyColumns+" from ssh_keys where id = ?", id))
}

func (d *database) AddKey(ctx context.Context, k *Key) (*Key, error) {
	now := time.Now()
	_, err := d.ExecContext(ctx, "insert into ssh_keys(uid, content, title, type, fingerprint, created_at, updated_at) values(?,?,?,?,?,?,?)",
		k.UID, k.Content, k.Title, k.Type, k.Fingerprint, now, now)
	if IsDupEntry(err) {
		return nil, &ErrExist{message: "key already exists"}
	}
	if err != nil {
		return nil, err
	}
	return d.SearchKey(ctx, k.Fingerprint)
}

// IsDeployKeyEnabled reports whether a deploy key has been granted to the
// repository. Deploy keys are read-only unless the grant row says otherwise.
func (d *database) IsDeployKeyEnabled(ctx context.Context, rid int64, kid int64) (bool, error) {
	var id int64
	if err := d.QueryRowContext(ctx, "select id from deploy_keys_repositories where rid = ? and kid = ?", rid, kid).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
