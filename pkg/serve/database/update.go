package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/keelscm/keel/modules/plumbing"
)

func (d *database) doCreateReference(ctx context.Context, tx *sql.Tx, cmd *Command) (*Reference, error) {
	now := time.Now()
	result, err := tx.ExecContext(ctx, "insert into refs(rid, name, target, kind, created_at, updated_at) values(?,?,?,?,?,?)",
		cmd.RID, cmd.ReferenceName, cmd.NewRev, DirectRef, now, now)
	if IsDupEntry(err) {
		return nil, &ErrAlreadyLocked{Reference: string(cmd.ReferenceName)}
	}
	if err != nil {
		return nil, err
	}
	refID, _ := result.LastInsertId()
	return &Reference{ID: refID, RID: cmd.RID, Name: cmd.ReferenceName, Target: cmd.NewRev, Kind: DirectRef, CreatedAt: now, UpdatedAt: now}, nil
}

func (d *database) doRemoveReference(ctx context.Context, tx *sql.Tx, cmd *Command) (*Reference, error) {
	var ref Reference
	if err := tx.QueryRowContext(ctx, sqlFindReference, cmd.RID, cmd.ReferenceName).Scan(
		&ref.ID, &ref.RID, &ref.Name, &ref.Target, &ref.Kind, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrRevisionNotFound{Revision: string(cmd.ReferenceName)}
		}
		return nil, err
	}
	if ref.Kind != DirectRef {
		return nil, ErrReferenceNotAllowed
	}
	if ref.Target != cmd.OldRev {
		return nil, &ErrAlreadyLocked{Reference: string(cmd.ReferenceName)}
	}
	result, err := tx.ExecContext(ctx, "delete from refs where rid = ? and name = ? and target = ?", cmd.RID, cmd.ReferenceName, cmd.OldRev)
	if err != nil {
		return nil, err
	}
	a, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if a == 0 {
		return nil, &ErrAlreadyLocked{Reference: string(cmd.ReferenceName)}
	}
	return nil, nil
}

func (d *database) doSwapReference(ctx context.Context, tx *sql.Tx, cmd *Command) (*Reference, error) {
	var ref Reference
	if err := tx.QueryRowContext(ctx, sqlFindReference, cmd.RID, cmd.ReferenceName).Scan(
		&ref.ID, &ref.RID, &ref.Name, &ref.Target, &ref.Kind, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrRevisionNotFound{Revision: string(cmd.ReferenceName)}
		}
		return nil, err
	}
	if ref.Kind != DirectRef {
		return nil, ErrReferenceNotAllowed
	}
	if ref.Target != cmd.OldRev {
		return nil, &ErrAlreadyLocked{Reference: string(cmd.ReferenceName)}
	}
	now := time.Now()
	result, err := tx.ExecContext(ctx, "update refs set target = ?, updated_at = ? where rid = ? and name = ? and target = ?",
		cmd.NewRev, now, cmd.RID, cmd.ReferenceName, cmd.OldRev)
	if err != nil {
		return nil, err
	}
	a, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if a == 0 {
		return nil, &ErrAlreadyLocked{Reference: string(cmd.ReferenceName)}
	}
	ref.Target = cmd.NewRev
	ref.UpdatedAt = now
	return &ref, nil
}

// applyReferenceUpdate runs one CAS command inside tx: the current row is
// read, the expected old value compared in Go, and the write is guarded by
// `target = old` again so a racing writer shows up as zero rows affected.
func (d *database) applyReferenceUpdate(ctx context.Context, tx *sql.Tx, cmd *Command) (*Reference, error) {
	if !strings.HasPrefix(cmd.ReferenceName.String(), plumbing.ReferencePrefix) {
		return nil, ErrReferenceNotAllowed
	}
	switch {
	case cmd.IsCreate():
		return d.doCreateReference(ctx, tx, cmd)
	case cmd.IsDelete():
		return d.doRemoveReference(ctx, tx, cmd)
	}
	return d.doSwapReference(ctx, tx, cmd)
}

func (d *database) DoReferenceUpdate(ctx context.Context, cmd *Command) (*Reference, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("new tx error: %v", err)
	}
	ref, err := d.applyReferenceUpdate(ctx, tx, cmd)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ref, nil
}

// DoReferenceUpdates applies a batch. Under atomic the whole batch shares
// one transaction and the first failure rolls everything back, the failing
// command keeping its own error and its siblings ErrAtomicAborted. Without
// atomic every command gets its own transaction and failures never touch
// their peers.
func (d *database) DoReferenceUpdates(ctx context.Context, cmds []*Command, atomic bool) ([]*UpdateResult, error) {
	results := make([]*UpdateResult, 0, len(cmds))
	if !atomic {
		for _, cmd := range cmds {
			ref, err := d.DoReferenceUpdate(ctx, cmd)
			results = append(results, &UpdateResult{Command: cmd, Reference: ref, Err: err})
		}
		return results, nil
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("new tx error: %v", err)
	}
	for i, cmd := range cmds {
		ref, err := d.applyReferenceUpdate(ctx, tx, cmd)
		if err != nil {
			_ = tx.Rollback()
			results = results[:0]
			for j, peer := range cmds {
				if j == i {
					results = append(results, &UpdateResult{Command: peer, Err: err})
					continue
				}
				results = append(results, &UpdateResult{Command: peer, Err: ErrAtomicAborted})
			}
			return results, err
		}
		results = append(results, &UpdateResult{Command: cmd, Reference: ref})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return results, nil
}
