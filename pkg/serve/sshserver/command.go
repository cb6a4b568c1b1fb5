// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package sshserver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/keelscm/keel/modules/strengthen"
	"github.com/keelscm/keel/pkg/serve/pathsec"
	"github.com/keelscm/keel/pkg/serve/protocol"
	"github.com/keelscm/keel/pkg/serve/repo"
)

var (
	ErrPathNecessary = errors.New("path is necessary")
)

// ExecCommand is one parsed exec request: the smart service to run and
// the repository path it names.
type ExecCommand struct {
	Service  string
	RepoPath string
}

// ParseExec splits the raw exec line the way a shell would and
// normalizes the two spellings git clients use:
//
//	git-upload-pack '/group/repo.git'
//	git upload-pack 'group/repo'
func ParseExec(raw string) (*ExecCommand, error) {
	args, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("parse command line: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("missing command")
	}
	name := args[0]
	if name == "git" {
		if len(args) < 2 {
			return nil, errors.New("missing git subcommand")
		}
		name = "git-" + args[1]
		args = args[1:]
	}
	if !protocol.ValidService(name) {
		return nil, fmt.Errorf("unsupported command: %s", name)
	}
	if len(args) < 2 {
		return nil, ErrPathNecessary
	}
	return &ExecCommand{Service: name, RepoPath: args[1]}, nil
}

func (s *Server) exec(e *Session, cmd *ExecCommand) int {
	repoPath, err := pathsec.CleanRepositoryPath(strings.TrimPrefix(cmd.RepoPath, "/"))
	if err != nil {
		return e.ExitFormat(400, "bad repo path '%s': %v", cmd.RepoPath, err)
	}
	ns, repository, code := s.doPermissionCheck(e, repoPath, protocol.ServiceOperation(cmd.Service))
	if code != 0 {
		return code
	}
	rr, err := s.hub.Open(e.Context(), ns, repository)
	if err != nil {
		return e.ExitError(err)
	}
	defer rr.Close() // nolint
	switch cmd.Service {
	case protocol.ServiceUploadPack:
		return s.uploadPack(e, rr)
	case protocol.ServiceReceivePack:
		return s.receivePack(e, rr)
	}
	return e.ExitFormat(400, "unsupported command: %s", cmd.Service)
}

// uploadPack speaks the fetch side over the session stream: the ref
// advertisement first (no smart HTTP prelude on SSH), then the want/have
// negotiation and the pack.
func (s *Server) uploadPack(e *Session, rr *repo.Repository) int {
	caps, refs, err := rr.Advertise(e.Context(), protocol.ServiceUploadPack)
	if err != nil {
		return e.ExitError(err)
	}
	if err := protocol.WriteAdvertisement(e, caps, refs); err != nil {
		return e.ExitError(err)
	}
	req, err := repo.ParseFetchRequest(e)
	if err != nil {
		return e.ExitFormat(400, "parse upload-pack request: %v", err)
	}
	if len(req.Wants) == 0 {
		// ls-remote: the client hangs up after the advertisement
		return 0
	}
	if err := rr.Fetch(e.Context(), req, e); err != nil {
		if errors.Is(err, repo.ErrReportStarted) {
			return 1
		}
		return e.ExitError(err)
	}
	return 0
}

func (s *Server) receivePack(e *Session, rr *repo.Repository) int {
	caps, refs, err := rr.Advertise(e.Context(), protocol.ServiceReceivePack)
	if err != nil {
		return e.ExitError(err)
	}
	if err := protocol.WriteAdvertisement(e, caps, refs); err != nil {
		return e.ExitError(err)
	}
	actor := &repo.Actor{
		UID:   e.UID,
		User:  e.UserName,
		Admin: e.IsAdministrator,
	}
	if err := rr.Push(e.Context(), actor, e, e); err != nil {
		if errors.Is(err, repo.ErrReportStarted) {
			return 1
		}
		return e.ExitError(err)
	}
	return 0
}

// splitRepoPath resolves "<namespace>/<repo>" out of a cleaned path.
func splitRepoPath(repoPath string) (string, string, bool) {
	parts := strengthen.SplitPath(repoPath)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], strings.Join(parts[1:], "/"), true
}
