// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

const (
	ER_ACCESS_DENIED_ERROR = 1045
	ER_DUP_ENTRY           = 1062
)

var (
	ErrReferenceNotAllowed = errors.New("reference types not allowed")
	ErrUserNotGiven        = errors.New("user not given")
	// ErrAtomicAborted marks the untouched commands of an atomic batch
	// whose sibling failed.
	ErrAtomicAborted = errors.New("atomic transaction failed")
)

type ErrRevisionNotFound struct {
	Revision string
}

func (err *ErrRevisionNotFound) Error() string {
	return fmt.Sprintf("revision '%s' not found", err.Revision)
}

func IsErrRevisionNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrRevisionNotFound
	return errors.As(err, &e)
}

func IsErrorCode(err error, code uint16) bool {
	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		return merr.Number == code
	}
	return false
}

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if IsErrRevisionNotFound(err) {
		return true
	}
	return errors.Is(err, sql.ErrNoRows)
}

func IsDupEntry(err error) bool {
	return IsErrorCode(err, ER_DUP_ENTRY)
}

// ErrAlreadyLocked is the compare-and-swap conflict: the guarded write
// matched zero rows because another writer moved the ref first.
type ErrAlreadyLocked struct {
	Reference string
}

func (e *ErrAlreadyLocked) Error() string {
	return fmt.Sprintf("reference is already locked: %q", e.Reference)
}

func IsErrAlreadyLocked(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrAlreadyLocked
	return errors.As(err, &e)
}

type ErrLockTimeout struct {
	Name string
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("lock %q: timeout", e.Name)
}

func IsErrLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrLockTimeout
	return errors.As(err, &e)
}

type ErrNamingRule struct {
	name string
}

func (e *ErrNamingRule) Error() string {
	return fmt.Sprintf("'%s' does not comply with the naming rules", e.name)
}

func IsErrNamingRule(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrNamingRule
	return errors.As(err, &e)
}

type ErrExist struct {
	message string
}

func (e *ErrExist) Error() string {
	return e.message
}

func IsErrExist(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrExist
	return errors.As(err, &e)
}
