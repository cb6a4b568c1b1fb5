// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/keelscm/keel/modules/plumbing"
)

const (
	sqlFindReference = `select id, rid, name, target, kind, created_at, updated_at from refs where rid = ? and name = ?`
	sqlListReference = `select id, rid, name, target, kind, created_at, updated_at from refs where rid = ? order by name`
	sqlScanReference = `select id, rid, name, target, kind, created_at, updated_at from refs where rid = ? and name like ? order by name`
)

func (d *database) FindReference(ctx context.Context, rid int64, name plumbing.ReferenceName) (*Reference, error) {
	var r Reference
	if err := d.QueryRowContext(ctx, sqlFindReference, rid, name).Scan(
		&r.ID, &r.RID, &r.Name, &r.Target, &r.Kind, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrRevisionNotFound{Revision: string(name)}
		}
		return nil, err
	}
	return &r, nil
}

// ListReferences returns the refs of one repository ordered by name,
// optionally narrowed to a prefix such as "refs/heads/".
func (d *database) ListReferences(ctx context.Context, rid int64, prefix string) ([]*Reference, error) {
	var rows *sql.Rows
	var err error
	if len(prefix) == 0 {
		rows, err = d.QueryContext(ctx, sqlListReference, rid)
	} else {
		rows, err = d.QueryContext(ctx, sqlScanReference, rid, escapeLike(prefix)+"%")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint
	refs := make([]*Reference, 0, 16)
	for rows.Next() {
		var r Reference
		if err := rows.Scan(&r.ID, &r.RID, &r.Name, &r.Target, &r.Kind, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		refs = append(refs, &r)
	}
	return refs, rows.Err()
}

// UpsertSymbolicReference points name at target, creating or retargeting
// the row. HEAD attachment goes through here.
func (d *database) UpsertSymbolicReference(ctx context.Context, rid int64, name, target plumbing.ReferenceName) (*Reference, error) {
	const sqlUpsertSymref = `INSERT    INTO refs (rid, name, target, kind, created_at, updated_at)
VALUES    (?, ?, ?, ?, NOW(), NOW())
ON        DUPLICATE KEY UPDATE target = VALUES(target), kind = VALUES(kind), updated_at = NOW()`
	if _, err := d.ExecContext(ctx, sqlUpsertSymref, rid, name, string(target), SymbolicRef); err != nil {
		return nil, err
	}
	return d.FindReference(ctx, rid, name)
}

// escapeLike neutralises LIKE metacharacters so a ref prefix is matched
// literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
