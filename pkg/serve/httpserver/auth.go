// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/keelscm/keel/pkg/serve/argon2id"
	"github.com/keelscm/keel/pkg/serve/database"
	"github.com/keelscm/keel/pkg/serve/protocol"
	"github.com/sirupsen/logrus"
)

const (
	AUTHORIZATION = "Authorization"
)

var (
	ErrStop         = errors.New("stop")
	ErrAccessDenied = errors.New("access denied")
)

// EqualFold is strings.EqualFold, ASCII only. It reports whether s and t
// are equal, ASCII-case-insensitively.
func EqualFold(s, t string) bool {
	if len(s) != len(t) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if lower(s[i]) != lower(t[i]) {
			return false
		}
	}
	return true
}

// lower returns the ASCII lowercase version of b.
func lower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// parseBasicAuth parses an HTTP Basic Authentication string.
// "Basic QWxhZGRpbjpvcGVuIHNlc2FtZQ==" returns ("Aladdin", "open sesame", true).
func parseBasicAuth(auth string) (username, password string, ok bool) {
	const prefix = "Basic "
	// Case insensitive prefix match. See Issue 22736.
	if len(auth) < len(prefix) || !EqualFold(auth[:len(prefix)], prefix) {
		return "", "", false
	}
	c, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	cs := string(c)
	username, password, ok = strings.Cut(cs, ":")
	if !ok {
		return "", "", false
	}
	return username, password, true
}

var (
	allowedTokenUserName = map[string]bool{
		"keel":      true,
		"git":       true,
		"gitlab-ci": true,
	}
)

// repoVars returns the namespace and repository path of the matched
// route. Clients may suffix the repository with ".git"; both spellings
// name the same repository.
func repoVars(r *http.Request) (string, string) {
	mv := mux.Vars(r)
	return mv["namespace"], strings.TrimSuffix(mv["repo"], ".git")
}

func (s *Server) findRepository(w http.ResponseWriter, r *http.Request) (*database.Namespace, *database.Repository, error) {
	namespacePath, repoPath := repoVars(r)
	ns, repo, err := s.db.FindRepositoryByPath(r.Context(), namespacePath, repoPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			renderFailureFormat(w, r, http.StatusNotFound, "repo '%s/%s' not found", namespacePath, repoPath)
			return nil, nil, ErrStop
		}
		renderFailureFormat(w, r, http.StatusInternalServerError, "search repo '%s/%s' error: %v", namespacePath, repoPath, err)
		return nil, nil, ErrStop
	}
	return ns, repo, nil
}

// authenticateUser resolves and verifies the basic credential. It does
// not touch any repository, so management endpoints use it directly.
func (s *Server) authenticateUser(w http.ResponseWriter, r *http.Request) (*database.User, error) {
	user, password, ok := parseBasicAuth(r.Header.Get(AUTHORIZATION))
	if !ok {
		renderUnauthorized(w, r, "missing credential")
		return nil, ErrStop
	}
	if allowedTokenUserName[user] {
		// TODO: token
		renderUnauthorized(w, r, "unsupported token")
		return nil, ErrStop
	}
	u, err := s.db.SearchUser(r.Context(), user)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			renderUnauthorized(w, r, fmt.Sprintf("user '%s' not found", user))
			return nil, err
		}
		renderFailure(w, r, http.StatusInternalServerError, "internal server error")
		logrus.Errorf("find user '%s' error: %v", user, err)
		return nil, err
	}
	if ok, err = argon2id.ComparePasswordAndHash(password, u.Password); err != nil {
		renderFailure(w, r, http.StatusInternalServerError, "broken salted password")
		return nil, err
	}
	if !ok {
		renderUnauthorized(w, r, "password unmatched")
		return nil, ErrStop
	}
	if !u.LockedAt.IsZero() {
		renderFailureFormat(w, r, http.StatusForbidden, "user '%s' is locked at: %v", u.UserName, u.LockedAt)
		return nil, ErrStop
	}
	// cleanup
	u.Guard()
	return u, nil
}

func (s *Server) basicAuth(w http.ResponseWriter, r *http.Request, operation protocol.Operation) (*Request, error) {
	u, err := s.authenticateUser(w, r)
	if err != nil {
		return nil, err
	}
	ns, repo, err := s.findRepository(w, r)
	if err != nil {
		return nil, err
	}
	if _, err = s.checkAccess(w, r, operation, repo, u); err != nil {
		return nil, err
	}
	return &Request{
		Request: r,
		U:       u,
		N:       ns,
		R:       repo,
	}, nil
}

func (s *Server) bearerAuth(w http.ResponseWriter, r *http.Request, operation protocol.Operation, bearerToken string) (*Request, error) {
	u, m, err := s.ParseJWT(w, r, bearerToken)
	if err != nil {
		return nil, err
	}
	if !m.Match(operation) {
		renderFailureFormat(w, r, http.StatusForbidden, "access denied, bearer token operation '%s' not match request operation: '%s'", m.Operation, operation)
		return nil, ErrStop
	}
	ns, repo, err := s.findRepository(w, r)
	if err != nil {
		return nil, err
	}
	if _, err = s.checkAccess(w, r, operation, repo, u); err != nil {
		return nil, err
	}
	return &Request{
		Request: r,
		U:       u,
		N:       ns,
		R:       repo,
	}, nil
}

// anonymousAuth serves requests that carry no credential at all. Public
// repositories may be fetched anonymously; everything else is challenged
// with 401 so that the client retries with credentials. A repository
// that does not exist gets the same challenge, anonymous probes must not
// learn which paths are taken.
func (s *Server) anonymousAuth(w http.ResponseWriter, r *http.Request, operation protocol.Operation) (*Request, error) {
	namespacePath, repoPath := repoVars(r)
	ns, repo, err := s.db.FindRepositoryByPath(r.Context(), namespacePath, repoPath)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logrus.Errorf("search repo '%s/%s' error: %v", namespacePath, repoPath, err)
		}
		renderUnauthorized(w, r, "authentication required")
		return nil, ErrStop
	}
	if operation != protocol.DOWNLOAD || repo.VisibleLevel < database.PublicRepository {
		renderUnauthorized(w, r, "authentication required")
		return nil, ErrStop
	}
	return &Request{
		Request: r,
		N:       ns,
		R:       repo,
	}, nil
}

func (s *Server) doAuth(w http.ResponseWriter, r *http.Request, operation protocol.Operation) (*Request, error) {
	cred := r.Header.Get(AUTHORIZATION)
	if len(cred) == 0 {
		return s.anonymousAuth(w, r, operation)
	}
	if bearerToken, ok := parseBearerToken(cred); ok {
		return s.bearerAuth(w, r, operation, bearerToken)
	}
	return s.basicAuth(w, r, operation)
}

func (s *Server) OnFunc(fn HandlerFunc, operation protocol.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.doAuth(w, r, operation)
		if err != nil {
			return
		}
		fn(w, req)
	}
}

func checkRepoReadable(u *database.User, repo *database.Repository, accessLevel database.AccessLevel) bool {
	if accessLevel.Readable() {
		return true
	}
	return repo.IsPublic() || (repo.IsInternal() && u.Type != database.UserTypeRemoteUser)
}

func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request, operation protocol.Operation, repo *database.Repository, u *database.User) (database.AccessLevel, error) {
	if u.Administrator {
		return database.OwnerAccess, nil
	}
	_, accessLevel, err := s.db.RepoAccessLevel(r.Context(), repo, u)
	if err != nil {
		logrus.Errorf("%s check repo access_level error: %v", r.RequestURI, err)
		renderFailureFormat(w, r, http.StatusInternalServerError, "check user's access for repository error: %v", err)
		return database.NoneAccess, err
	}
	switch operation {
	case protocol.DOWNLOAD:
		if !checkRepoReadable(u, repo, accessLevel) {
			renderFailureFormat(w, r, http.StatusForbidden, "[DOWNLOAD] access denied, current user: %s", u.UserName)
			return accessLevel, ErrAccessDenied
		}
	case protocol.UPLOAD:
		if !accessLevel.Writeable() {
			renderFailureFormat(w, r, http.StatusForbidden, "[UPLOAD] access denied, current user: %s", u.UserName)
			return accessLevel, ErrAccessDenied
		}
	case protocol.SUDO:
		if !accessLevel.Sudo() {
			renderFailureFormat(w, r, http.StatusForbidden, "[SUDO] access denied, current user: %s", u.UserName)
			return accessLevel, ErrAccessDenied
		}
	default:
		renderFailureFormat(w, r, http.StatusBadRequest, "bad operation name '%s'", operation)
		return accessLevel, fmt.Errorf("bad operation name '%s'", operation)
	}
	return accessLevel, nil
}
