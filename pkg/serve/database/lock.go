// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Lock is a held named lock. Holders release it when the critical
// section is over; the zero duration timeout polls once.
type Lock interface {
	Name() string
	Release(ctx context.Context) error
}

// namedLock is a MySQL named lock pinned to one pooled connection.
// GET_LOCK is session scoped, so the connection stays checked out until
// Release.
type namedLock struct {
	conn *sql.Conn
	name string
}

func (l *namedLock) Name() string {
	return l.name
}

// Release frees the named lock and returns the pinned connection to the pool.
func (l *namedLock) Release(ctx context.Context) error {
	defer l.conn.Close() // nolint
	_, err := l.conn.ExecContext(ctx, "do RELEASE_LOCK(?)", l.name)
	return err
}

func (d *database) AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error) {
	conn, err := d.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, "select GET_LOCK(?, ?)", name, int64(timeout.Seconds())).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !acquired.Valid {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire lock '%s': bad name or lock memory exhausted", name)
	}
	if acquired.Int64 != 1 {
		_ = conn.Close()
		return nil, &ErrLockTimeout{Name: name}
	}
	return &namedLock{conn: conn, name: name}, nil
}
