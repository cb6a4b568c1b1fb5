// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/keelscm/keel/modules/plumbing"
)

const (
	repoJoinColumns = `r.id, r.name, r.path, r.description, r.visible_level, r.default_branch, r.created_at, r.updated_at,
n.id, n.path, n.name, n.description, n.owner_id, n.type, n.created_at, n.updated_at`

	sqlRepoFromID = `select ` + repoJoinColumns + `
from repositories as r inner join namespaces as n on r.namespace_id = n.id
where r.id = ?`

	sqlRepoFromPath = `select ` + repoJoinColumns + `
from repositories as r inner join namespaces as n on r.namespace_id = n.id
where n.path = ? and r.path = ?`
)

func scanRepository(row rowScanner) (*Namespace, *Repository, error) {
	var n Namespace
	var r Repository
	if err := row.Scan(
		&r.ID, &r.Name, &r.Path, &r.Description, &r.VisibleLevel, &r.DefaultBranch, &r.CreatedAt, &r.UpdatedAt,
		&n.ID, &n.Path, &n.Name, &n.Description, &n.Owner, &n.Type, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, nil, err
	}
	r.NamespaceID = n.ID
	return &n, &r, nil
}

func (d *database) FindRepositoryByID(ctx context.Context, rid int64) (*Namespace, *Repository, error) {
	return scanRepository(d.QueryRowContext(ctx, sqlRepoFromID, rid))
}

func (d *database) FindRepositoryByPath(ctx context.Context, namespacePath, repoPath string) (*Namespace, *Repository, error) {
	return scanRepository(d.QueryRowContext(ctx, sqlRepoFromPath, namespacePath, repoPath))
}

const (
	sqlNewRepository = `insert into repositories (name, path, description, visible_level, default_branch, namespace_id, created_at, updated_at)
values (?, ?, ?, ?, ?, ?, ?, ?)`
)

// NewRepository inserts the repository row and its HEAD symbolic ref in one
// transaction, so a freshly created repository always advertises a HEAD even
// before the first push lands.
func (d *database) NewRepository(ctx context.Context, r *Repository) (*Repository, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("new tx error: %v", err)
	}
	result, err := tx.ExecContext(ctx, sqlNewRepository, r.Name, r.Path, r.Description, r.VisibleLevel, r.DefaultBranch, r.NamespaceID, now, now)
	if IsDupEntry(err) {
		_ = tx.Rollback()
		return nil, &ErrExist{message: "repository already exists"}
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	rid, err := result.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, "insert into refs(rid, name, target, kind, created_at, updated_at) values(?,?,?,?,?,?)",
		rid, plumbing.HEAD, plumbing.NewBranchReferenceName(r.DefaultBranch), SymbolicRef, now, now); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Repository{
		ID:            rid,
		Name:          r.Name,
		Path:          r.Path,
		Description:   r.Description,
		VisibleLevel:  r.VisibleLevel,
		DefaultBranch: r.DefaultBranch,
		NamespaceID:   r.NamespaceID,
		UpdatedAt:     now,
		CreatedAt:     now,
	}, nil
}
