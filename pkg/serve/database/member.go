// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// source_type in the members table is a MemberType: 2 grants access to one
// repository, 3 to every repository under a namespace.
const (
	groupAccessSQL = `select access_level from members where uid = ? and rid = ? and source_type = 3`
	repoAccessSQL  = `select access_level from members where uid = ? and rid = ? and source_type = 2`
)

func (d *database) GroupAccessLevel(ctx context.Context, namespaceID int64, u *User) (AccessLevel, error) {
	if u == nil {
		return NoneAccess, ErrUserNotGiven
	}
	if u.Administrator {
		return OwnerAccess, nil
	}
	var accessLevel AccessLevel
	if err := d.QueryRowContext(ctx, groupAccessSQL, u.ID, namespaceID).Scan(&accessLevel); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NoneAccess, nil
		}
		return NoneAccess, err
	}
	return accessLevel, nil
}

// RepoAccessLevel resolves the effective group and repository access of u.
// Repository access is never below group access, and public repositories
// grant at least ReporterAccess to any signed-in user.
func (d *database) RepoAccessLevel(ctx context.Context, r *Repository, u *User) (AccessLevel, AccessLevel, error) {
	if u == nil {
		if r.IsPublic() {
			return NoneAccess, ReporterAccess, nil
		}
		return NoneAccess, NoneAccess, ErrUserNotGiven
	}
	if u.Administrator {
		return OwnerAccess, OwnerAccess, nil
	}
	groupAccess, err := d.GroupAccessLevel(ctx, r.NamespaceID, u)
	if err != nil {
		return NoneAccess, NoneAccess, err
	}
	repoAccess := NoneAccess
	if err := d.QueryRowContext(ctx, repoAccessSQL, u.ID, r.ID).Scan(&repoAccess); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return NoneAccess, NoneAccess, err
	}
	if repoAccess = max(groupAccess, repoAccess); repoAccess >= ReporterAccess {
		return groupAccess, repoAccess, nil
	}
	if r.VisibleLevel >= PublicRepository {
		repoAccess = ReporterAccess
	}
	return groupAccess, repoAccess, nil
}

const (
	sqlNewMember = `insert into members (rid, uid, access_level, source_type, expires_at, created_at, updated_at)
values (?, ?, ?, ?, ?, ?, ?)
on duplicate key update access_level = values(access_level), expires_at = values(expires_at)`
)

func (d *database) AddMember(ctx context.Context, m *Member) error {
	now := time.Now()
	_, err := d.ExecContext(ctx, sqlNewMember, m.SourceID, m.UID, m.AccessLevel, m.SourceType, m.ExpiresAt, now, now)
	return err
}
