// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/format/pktline"
	"github.com/keelscm/keel/modules/plumbing/format/packfile"
	"github.com/keelscm/keel/modules/strengthen"
	"github.com/keelscm/keel/pkg/serve/database"
	"github.com/keelscm/keel/pkg/serve/hook"
	"github.com/keelscm/keel/pkg/serve/odb"
	"github.com/keelscm/keel/pkg/serve/protocol"
	"github.com/sirupsen/logrus"
)

const (
	ansiRegex = "[][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

	pushLockTimeout = 10 * time.Second
)

var (
	trimAnsiRegex = regexp.MustCompile(ansiRegex)
	// ErrReportStarted tells the transport that report bytes already went
	// out, so it must not render an HTTP error on top of them.
	ErrReportStarted = errors.New("protocol: reporter start")
)

func StripAnsi(s string) string {
	return trimAnsiRegex.ReplaceAllString(s, "")
}

// reasonLine flattens an error into a single line safe to quote in a
// report-status packet.
func reasonLine(err error) string {
	reason := StripAnsi(strings.TrimSpace(err.Error()))
	if line, _, found := strings.Cut(reason, "\n"); found {
		reason = line
	}
	return reason
}

func hookReason(err error) string {
	if reason := reasonLine(err); reason != "" {
		return reason
	}
	return "hook declined"
}

// Actor identifies who is pushing, for hooks and protection rules.
type Actor struct {
	UID   int64
	User  string
	Teams []string
	Admin bool
}

// refStatus carries one command through the push pipeline. A status is
// pending until it is either applied or rejected with a reason; only the
// first rejection sticks.
type refStatus struct {
	cmd     *protocol.Command
	name    plumbing.ReferenceName
	reason  string
	forced  bool
	applied bool
}

func (st *refStatus) reject(format string, a ...any) {
	if st.reason == "" {
		st.reason = fmt.Sprintf(format, a...)
	}
}

func (st *refStatus) pending() bool {
	return st.reason == "" && !st.applied
}

type pushRequest struct {
	statuses []*refStatus
	caps     protocol.Caps
	options  []string
	// broken records a pkt-line framing failure past the first command;
	// the push is reported as an unpack error instead of an HTTP one.
	broken string
	body   *bufio.Reader
}

// parsePush reads the command section, the push-options section when
// negotiated, and leaves the reader positioned at the pack. A malformed
// first line aborts the request outright: without it there are no
// trusted capabilities to report against.
func (r *Repository) parsePush(reader io.Reader) (*pushRequest, error) {
	req := &pushRequest{}
	s := pktline.NewScanner(reader)
	for s.Scan() {
		if s.Kind() != pktline.DataPacket {
			break
		}
		payload := string(s.Bytes())
		if len(req.statuses) == 0 {
			payload, req.caps = protocol.SplitCaps(payload)
		}
		line := strings.TrimSuffix(payload, "\n")
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 || parts[2] == "" {
			return nil, fmt.Errorf("%w: %q", protocol.ErrMalformedCommand, line)
		}
		st := &refStatus{name: plumbing.ReferenceName(parts[2])}
		if cmd, err := protocol.ParseCommand(line); err != nil {
			st.reason = reasonLine(err)
		} else {
			st.cmd = cmd
		}
		req.statuses = append(req.statuses, st)
	}
	if err := s.Err(); err != nil {
		if len(req.statuses) == 0 {
			return nil, err
		}
		req.broken = reasonLine(err)
		return req, nil
	}
	if req.caps.PushOptions {
		for s.Scan() {
			if s.Kind() != pktline.DataPacket {
				break
			}
			req.options = append(req.options, strings.TrimSuffix(string(s.Bytes()), "\n"))
		}
		if err := s.Err(); err != nil {
			req.broken = reasonLine(err)
			return req, nil
		}
	}
	req.body = bufio.NewReader(reader)
	return req, nil
}

// reporter emits the report-status section. Under side-band-64k the
// report is buffered and spliced onto channel 1 in one pass at close;
// progress rides channel 2 immediately.
type reporter struct {
	out  io.Writer
	caps protocol.Caps
	buf  bytes.Buffer
	enc  *pktline.Encoder
}

func newReporter(w io.Writer, caps protocol.Caps) *reporter {
	rp := &reporter{out: w, caps: caps}
	if caps.SideBand64k {
		rp.enc = pktline.NewEncoder(&rp.buf)
		return rp
	}
	rp.enc = pktline.NewEncoder(w)
	return rp
}

func (rp *reporter) enabled() bool {
	return rp.caps.ReportStatus || rp.caps.ReportStatusV2
}

func (rp *reporter) progressf(format string, a ...any) {
	if !rp.caps.SideBand64k || rp.caps.Quiet {
		return
	}
	mw := newMuxWriter(pktline.NewEncoder(rp.out), rp.caps, bandProgress)
	_, _ = fmt.Fprintf(mw, format, a...)
}

func (rp *reporter) unpack(status string) error {
	return rp.enc.Encodef("unpack %s\n", status)
}

func (rp *reporter) ok(st *refStatus) error {
	if st.forced && rp.caps.ReportStatusV2 {
		return rp.enc.Encodef("ok %s forced\n", st.name)
	}
	return rp.enc.Encodef("ok %s\n", st.name)
}

func (rp *reporter) ng(name plumbing.ReferenceName, reason string) error {
	return rp.enc.Encodef("ng %s %s\n", name, reason)
}

// close flushes the report. The buffered report, inner flush-pkt
// included, becomes channel 1 payload; the stream then ends with its own
// flush-pkt.
func (rp *reporter) close() error {
	if err := rp.enc.Flush(); err != nil {
		return err
	}
	if !rp.caps.SideBand64k {
		return nil
	}
	outer := pktline.NewEncoder(rp.out)
	if _, err := newMuxWriter(outer, rp.caps, bandData).Write(rp.buf.Bytes()); err != nil {
		return err
	}
	return outer.Flush()
}

// liveObjects serves hook lookups for deletion-only pushes, where no
// quarantine exists.
type liveObjects struct {
	*odb.ODB
}

func (liveObjects) IsStaged(plumbing.Hash) bool { return false }

// Push drives one receive-pack session: commands and pack in, report
// out. Refs move only after the pack is quarantined, every gate has
// passed, and the quarantine has been promoted into the repository.
func (r *Repository) Push(ctx context.Context, actor *Actor, reader io.Reader, w io.Writer) error {
	if actor == nil {
		actor = &Actor{}
	}
	req, err := r.parsePush(reader)
	if err != nil {
		return err
	}
	if len(req.statuses) == 0 {
		// flush-only body, the client had nothing to push
		return nil
	}
	caps := req.caps.Intersect(protocol.ReceiveCapabilities(r.agent))
	report := newReporter(w, caps)
	if req.broken != "" {
		for _, st := range req.statuses {
			st.reject("unpacker error")
		}
		return r.finishPush(report, "error:"+req.broken, req.statuses)
	}
	r.validateCommands(req.statuses, caps)

	var quarantine *odb.QuarantineDB
	var objects hook.Objects = liveObjects{r.odb}
	unpackStatus := "ok"
	if needsPack(req.statuses) {
		q, err := odb.NewQuarantineDB(r.odb, r.quarantineDir())
		if err != nil {
			return err
		}
		defer q.Close() // nolint
		quarantine = q
		objects = q
		stats, err := r.ingestPack(ctx, req.body, q)
		if err != nil {
			logrus.Errorf("[%s] push: unpack: %v", r.source, err)
			for _, st := range req.statuses {
				if st.cmd != nil && !st.cmd.NewRev.IsZero() {
					st.reject("unpacker error")
				}
			}
			return r.finishPush(report, "error:"+reasonLine(err), req.statuses)
		}
		if stats.Objects > 0 {
			report.progressf("Unpacked %d objects (%d deltas)\n", stats.Objects, stats.Deltas)
		}
		r.checkConnectivity(ctx, q, req.statuses)
	}
	pending := pendingStatuses(req.statuses)
	if len(pending) == 0 {
		return r.finishPush(report, unpackStatus, req.statuses)
	}
	hookReq := &hook.Request{
		RID:        r.rid,
		Repository: r.source,
		Commands:   commandsOf(pending),
		Env:        pushEnv(req.options),
		User:       actor.User,
		Teams:      actor.Teams,
		Admin:      actor.Admin,
		Objects:    objects,
	}
	if err := r.hooks.PreReceive(ctx, hookReq); err != nil {
		reason := hookReason(err)
		for _, st := range req.statuses {
			if st.pending() {
				st.reject("%s", reason)
			}
		}
		return r.finishPush(report, unpackStatus, req.statuses)
	}
	r.gateCommands(ctx, objects, req, caps)
	for _, st := range pending {
		if !st.pending() {
			continue
		}
		one := *hookReq
		one.Ref = st.cmd
		if err := r.hooks.Update(ctx, &one); err != nil {
			st.reject("%s", hookReason(err))
		}
	}
	if caps.Atomic && anyRejected(req.statuses) {
		for _, st := range req.statuses {
			if st.pending() {
				st.reject("atomic push failure")
			}
		}
		return r.finishPush(report, unpackStatus, req.statuses)
	}
	pending = pendingStatuses(req.statuses)
	if len(pending) == 0 {
		return r.finishPush(report, unpackStatus, req.statuses)
	}
	release, err := r.acquirePushLock(ctx)
	if err != nil {
		logrus.Errorf("[%s] push: acquire lock: %v", r.source, err)
		reason := "failed to lock repository"
		if database.IsErrLockTimeout(err) {
			reason = "repository is locked by another push"
		}
		for _, st := range pending {
			st.reject("%s", reason)
		}
		return r.finishPush(report, unpackStatus, req.statuses)
	}
	if release != nil {
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logrus.Errorf("[%s] push: release lock: %v", r.source, err)
			}
		}()
	}
	if quarantine != nil {
		promoted, err := quarantine.Promote(ctx)
		if err != nil {
			logrus.Errorf("[%s] push: promote quarantine: %v", r.source, err)
			for _, st := range pending {
				st.reject("failed to store objects")
			}
			return r.finishPush(report, unpackStatus, req.statuses)
		}
		if promoted > 0 {
			report.progressf("Stored %d new objects\n", promoted)
		}
	}
	cmds := make([]*database.Command, 0, len(pending))
	index := make(map[*database.Command]*refStatus, len(pending))
	for _, st := range pending {
		cmd := &database.Command{
			ReferenceName: st.cmd.RefName,
			OldRev:        st.cmd.OldRev.String(),
			NewRev:        st.cmd.NewRev.String(),
			UID:           actor.UID,
		}
		cmds = append(cmds, cmd)
		index[cmd] = st
	}
	results, err := r.refs.Apply(ctx, cmds, caps.Atomic)
	if err != nil && len(results) == 0 {
		logrus.Errorf("[%s] push: apply reference updates: %v", r.source, err)
		for _, st := range pending {
			st.reject("failed to update ref")
		}
		return r.finishPush(report, unpackStatus, req.statuses)
	}
	for _, result := range results {
		st := index[result.Command]
		if st == nil {
			continue
		}
		if result.Err != nil {
			st.reject("%s", casReason(result.Err))
			continue
		}
		st.applied = true
	}
	applied := appliedStatuses(req.statuses)
	if len(applied) > 0 {
		post := *hookReq
		post.Commands = commandsOf(applied)
		post.Results = refResults(req.statuses)
		r.hooks.PostReceive(ctx, &post)
		for _, st := range applied {
			one := post
			one.Ref = st.cmd
			r.hooks.PostUpdate(ctx, &one)
		}
	}
	return r.finishPush(report, unpackStatus, req.statuses)
}

// validateCommands rejects commands a well-formed client never sends:
// duplicate refs, no-op zero to zero updates, deletions the session
// never negotiated, and deleting the branch HEAD points at.
func (r *Repository) validateCommands(statuses []*refStatus, caps protocol.Caps) {
	seen := make(map[plumbing.ReferenceName]bool, len(statuses))
	for _, st := range statuses {
		if st.cmd == nil {
			continue
		}
		if seen[st.cmd.RefName] {
			st.reject("multiple updates for ref not allowed")
			continue
		}
		seen[st.cmd.RefName] = true
		if st.cmd.OldRev.IsZero() && st.cmd.NewRev.IsZero() {
			st.reject("both old and new revisions are zero")
			continue
		}
		if st.cmd.Action() != protocol.Delete {
			continue
		}
		if !caps.DeleteRefs {
			st.reject("delete-refs not enabled")
			continue
		}
		if st.cmd.RefName.IsBranch() && st.cmd.RefName.BranchName() == r.defaultBranch {
			st.reject("refusing to delete the current branch: %s", st.cmd.RefName)
		}
	}
}

// gateCommands applies the server-side fast-forward policy. Branch
// rewinds and tag moves go through only with the force push option;
// branch protection already had its say at pre-receive.
func (r *Repository) gateCommands(ctx context.Context, objects hook.Objects, req *pushRequest, caps protocol.Caps) {
	force := slices.Contains(req.options, "force")
	for _, st := range req.statuses {
		if !st.pending() || st.cmd == nil || st.cmd.Action() != protocol.Update {
			continue
		}
		if !st.cmd.RefName.IsBranch() {
			st.forced = true
			if !force {
				st.reject("already exists")
			}
			continue
		}
		ff, err := objects.IsAncestor(ctx, st.cmd.OldRev, st.cmd.NewRev)
		if err != nil {
			logrus.Errorf("[%s] push: ancestry of %s: %v", r.source, st.name, err)
			st.reject("internal error")
			continue
		}
		if ff {
			continue
		}
		st.forced = true
		if !force {
			st.reject("non-fast-forward")
		}
	}
}

// checkConnectivity verifies every pushed tip landed in the quarantine
// or already exists; a tip that did neither names history the client
// never sent.
func (r *Repository) checkConnectivity(ctx context.Context, q *odb.QuarantineDB, statuses []*refStatus) {
	for _, st := range statuses {
		if !st.pending() || st.cmd == nil || st.cmd.NewRev.IsZero() {
			continue
		}
		ok, err := q.Has(ctx, st.cmd.NewRev)
		if err != nil {
			logrus.Errorf("[%s] push: check %s: %v", r.source, st.cmd.NewRev, err)
			st.reject("internal error")
			continue
		}
		if !ok {
			st.reject("missing necessary objects")
		}
	}
}

// ingestPack parses the pack section into the quarantine. An absent pack
// is fine: deletion-only pushes and pushes of already-stored objects
// send no pack at all.
func (r *Repository) ingestPack(ctx context.Context, body *bufio.Reader, q *odb.QuarantineDB) (packfile.Stats, error) {
	if body == nil {
		return packfile.Stats{}, nil
	}
	if _, err := body.Peek(1); err != nil {
		if err == io.EOF {
			return packfile.Stats{}, nil
		}
		return packfile.Stats{}, err
	}
	return packfile.NewParser(packfile.NewScanner(body), q).Parse(ctx)
}

func (r *Repository) quarantineDir() string {
	return filepath.Join(r.odb.Root(), "quarantine", strengthen.NewRID())
}

func (r *Repository) acquirePushLock(ctx context.Context) (odb.ReleaseFunc, error) {
	if r.lock == nil {
		return nil, nil
	}
	return r.lock(ctx, fmt.Sprintf("keel:push:%d", r.rid), pushLockTimeout)
}

func (r *Repository) finishPush(report *reporter, unpackStatus string, statuses []*refStatus) error {
	if !report.enabled() {
		return nil
	}
	for _, st := range statuses {
		if !st.applied && st.reason == "" {
			st.reason = "internal error"
		}
	}
	if err := report.unpack(unpackStatus); err != nil {
		return fmt.Errorf("%w: %v", ErrReportStarted, err)
	}
	for _, st := range statuses {
		if st.applied {
			if err := report.ok(st); err != nil {
				return fmt.Errorf("%w: %v", ErrReportStarted, err)
			}
			continue
		}
		logrus.Errorf("[%s] %s", st.name, st.reason)
		if err := report.ng(st.name, st.reason); err != nil {
			return fmt.Errorf("%w: %v", ErrReportStarted, err)
		}
	}
	if err := report.close(); err != nil {
		return fmt.Errorf("%w: %v", ErrReportStarted, err)
	}
	return nil
}

func casReason(err error) string {
	switch {
	case database.IsErrAlreadyLocked(err):
		return "reference is already locked"
	case database.IsNotFound(err):
		return "reference does not exist"
	}
	return "failed to update ref"
}

func needsPack(statuses []*refStatus) bool {
	for _, st := range statuses {
		if st.pending() && st.cmd != nil && !st.cmd.NewRev.IsZero() {
			return true
		}
	}
	return false
}

func pendingStatuses(statuses []*refStatus) []*refStatus {
	out := make([]*refStatus, 0, len(statuses))
	for _, st := range statuses {
		if st.pending() && st.cmd != nil {
			out = append(out, st)
		}
	}
	return out
}

func appliedStatuses(statuses []*refStatus) []*refStatus {
	out := make([]*refStatus, 0, len(statuses))
	for _, st := range statuses {
		if st.applied {
			out = append(out, st)
		}
	}
	return out
}

func anyRejected(statuses []*refStatus) bool {
	for _, st := range statuses {
		if st.reason != "" {
			return true
		}
	}
	return false
}

func commandsOf(statuses []*refStatus) []*protocol.Command {
	cmds := make([]*protocol.Command, 0, len(statuses))
	for _, st := range statuses {
		cmds = append(cmds, st.cmd)
	}
	return cmds
}

func refResults(statuses []*refStatus) []hook.RefResult {
	results := make([]hook.RefResult, 0, len(statuses))
	for _, st := range statuses {
		if st.cmd == nil {
			continue
		}
		results = append(results, hook.RefResult{Command: st.cmd, OK: st.applied, Reason: st.reason})
	}
	return results
}

func pushEnv(options []string) map[string]string {
	env := map[string]string{
		"GIT_PUSH_OPTION_COUNT": strconv.Itoa(len(options)),
	}
	for i, opt := range options {
		env[fmt.Sprintf("GIT_PUSH_OPTION_%d", i)] = opt
	}
	return env
}
