// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/keelscm/keel/modules/plumbing"
)

type DB interface {
	Database() *sql.DB
	FindUser(ctx context.Context, uid int64) (*User, error)
	SearchUser(ctx context.Context, emailOrName string) (*User, error)
	NewUser(ctx context.Context, u *User) (*User, error)
	SearchKey(ctx context.Context, fingerprint string) (*Key, error)
	FindKey(ctx context.Context, id int64) (*Key, error)
	AddKey(ctx context.Context, k *Key) (*Key, error)
	IsDeployKeyEnabled(ctx context.Context, rid int64, kid int64) (bool, error)
	AddMember(ctx context.Context, m *Member) error
	GroupAccessLevel(ctx context.Context, namespaceID int64, u *User) (AccessLevel, error)
	RepoAccessLevel(ctx context.Context, r *Repository, u *User) (AccessLevel, AccessLevel, error)
	FindNamespaceByID(ctx context.Context, namespaceID int64) (*Namespace, error)
	FindNamespaceByPath(ctx context.Context, namespacePath string) (*Namespace, error)
	NewGroupNamespace(ctx context.Context, ns *Namespace) (*Namespace, error)
	FindRepositoryByID(ctx context.Context, rid int64) (*Namespace, *Repository, error)
	FindRepositoryByPath(ctx context.Context, namespacePath, repoPath string) (*Namespace, *Repository, error)
	NewRepository(ctx context.Context, r *Repository) (*Repository, error)
	FindReference(ctx context.Context, rid int64, name plumbing.ReferenceName) (*Reference, error)
	ListReferences(ctx context.Context, rid int64, prefix string) ([]*Reference, error)
	UpsertSymbolicReference(ctx context.Context, rid int64, name, target plumbing.ReferenceName) (*Reference, error)
	DoReferenceUpdate(ctx context.Context, cmd *Command) (*Reference, error)
	DoReferenceUpdates(ctx context.Context, cmds []*Command, atomic bool) ([]*UpdateResult, error)
	AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error)
	Close() error
}

type database struct {
	*sql.DB
}

func (d *database) Database() *sql.DB {
	return d.DB
}

func (d *database) Close() error {
	return d.DB.Close()
}

var (
	_ DB = &database{}
)

func NewDB(cfg *mysql.Config) (DB, error) {
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("new connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(25)
	db.SetMaxOpenConns(50)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &database{DB: db}, nil
}
