// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package sshserver

import (
	"database/sql"
	"errors"

	"github.com/keelscm/keel/pkg/serve/database"
	"github.com/keelscm/keel/pkg/serve/protocol"
)

func (s *Server) checkAccessForDeployKey(e *Session, repoPath string, operation protocol.Operation) int {
	switch operation {
	case protocol.DOWNLOAD:
		ok, err := s.db.IsDeployKeyEnabled(e.Context(), e.RID, e.KID)
		if err != nil {
			e.WriteError("find repo '%s' error: %v", repoPath, err)
			return 500
		}
		if !ok {
			e.WriteError("Deploy Key not enabled for '%s'", repoPath)
			return 403
		}
	default:
		e.WriteError("Deploy Key no %s access", operation)
		return 403
	}
	return 0
}

func checkRepoReadable(u *database.User, repo *database.Repository, accessLevel database.AccessLevel) bool {
	if accessLevel.Readable() {
		return true
	}
	return repo.IsPublic() || (repo.IsInternal() && u.Type != database.UserTypeRemoteUser)
}

func (s *Server) doPermissionCheck(e *Session, repoPath string, operation protocol.Operation) (*database.Namespace, *database.Repository, int) {
	namespacePath, repoName, ok := splitRepoPath(repoPath)
	if !ok {
		e.WriteError("bad repo relative path '%s'", repoPath)
		return nil, nil, 400
	}
	ns, repo, err := s.db.FindRepositoryByPath(e.Context(), namespacePath, repoName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			e.WriteError("repo '%s' not found", repoPath)
			return nil, nil, 404
		}
		e.WriteError("find repo '%s' error: %v", repoPath, err)
		return nil, nil, 500
	}
	e.NamespacePath = ns.Path
	e.RepoPath = repo.Path
	e.RID = repo.ID
	e.DefaultBranch = repo.DefaultBranch
	if e.IsDeployKey {
		return ns, repo, s.checkAccessForDeployKey(e, repoPath, operation)
	}
	u, err := s.db.FindUser(e.Context(), e.UID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			e.WriteError("user-%d not found", e.UID)
			return nil, nil, 404
		}
		e.WriteError("find user-%d error: %v", e.UID, err)
		return nil, nil, 500
	}
	if !u.LockedAt.IsZero() {
		e.WriteError("User '%s' locked at %v", u.UserName, u.LockedAt)
		return nil, nil, 403
	}
	e.UserName = u.UserName
	e.DisplayName = u.Name
	e.IsAdministrator = u.Administrator
	if u.Administrator {
		return ns, repo, 0
	}
	_, accessLevel, err := s.db.RepoAccessLevel(e.Context(), repo, u)
	if err != nil {
		e.WriteError("check user's access for repository error: %v", err)
		return nil, nil, 500
	}
	switch operation {
	case protocol.DOWNLOAD:
		if !checkRepoReadable(u, repo, accessLevel) {
			e.WriteError("[DOWNLOAD] access denied, current user: %s", u.UserName)
			return nil, nil, 403
		}
	case protocol.UPLOAD:
		if !accessLevel.Writeable() {
			e.WriteError("[UPLOAD] access denied, current user: %s", u.UserName)
			return nil, nil, 403
		}
	default:
		e.WriteError("bad operation: %s", operation)
		return nil, nil, 400
	}
	return ns, repo, 0
}
