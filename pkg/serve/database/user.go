// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	userColumns = `id, username, name, admin, email, type, password, signature_token, locked_at, created_at, updated_at`

	sqlFindUser          = `select ` + userColumns + ` from users where id = ?`
	sqlSearchUserByName  = `select ` + userColumns + ` from users where username = ?`
	sqlSearchUserByEmail = `select u.id, u.username, u.name, u.admin, u.email, u.type, u.password, u.signature_token, u.locked_at, u.created_at, u.updated_at
from users as u
inner join emails as e on u.id = e.uid
where e.email = ? and e.confirmed_at is not null`
)

var (
	zeroLockedAt = time.Unix(0, 0).UTC()
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var lockedAt sql.NullTime
	if err := row.Scan(
		&u.ID, &u.UserName, &u.Name, &u.Administrator, &u.Email, &u.Type, &u.Password, &u.SignatureToken, &lockedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	// NULL and epoch zero both mean the account was never locked.
	if lockedAt.Valid && lockedAt.Time.After(zeroLockedAt) {
		u.LockedAt = lockedAt.Time
	}
	return &u, nil
}

func (d *database) FindUser(ctx context.Context, uid int64) (*User, error) {
	return scanUser(d.QueryRowContext(ctx, sqlFindUser, uid))
}

// SearchUser resolves a login handle: anything containing '@' is treated as
// a confirmed email address, everything else as a username.
func (d *database) SearchUser(ctx context.Context, emailOrName string) (*User, error) {
	if strings.Contains(emailOrName, "@") {
		return scanUser(d.QueryRowContext(ctx, sqlSearchUserByEmail, emailOrName))
	}
	return scanUser(d.QueryRowContext(ctx, sqlSearchUserByName, emailOrName))
}

// NewUser inserts the user and its personal namespace in one transaction so
// a half-created account never becomes visible.
func (d *database) NewUser(ctx context.Context, u *User) (*User, error) {
	now := time.Now()
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("new tx error: %v", err)
	}
	result, err := tx.ExecContext(ctx, "insert into users(username,name,admin,email,type,password,signature_token,created_at,updated_at) values(?,?,?,?,?,?,?,?,?)",
		u.UserName, u.Name, u.Administrator, u.Email, u.Type, u.Password, u.SignatureToken, now, now)
	if IsDupEntry(err) {
		_ = tx.Rollback()
		return nil, &ErrExist{message: "user already exists"}
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	uid, err := result.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	_, err = tx.ExecContext(ctx, "insert into namespaces(path, name, owner_id, type, description, created_at, updated_at) values(?,?,?,?,?,?,?)",
		u.UserName, u.UserName, uid, PrivateNamespace, "", now, now)
	if IsDupEntry(err) {
		_ = tx.Rollback()
		return nil, &ErrExist{message: "namespace already exists"}
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d.FindUser(ctx, uid)
}
