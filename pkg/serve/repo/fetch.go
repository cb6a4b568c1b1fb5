// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/format/packfile"
	"github.com/keelscm/keel/modules/plumbing/format/pktline"
	"github.com/keelscm/keel/modules/plumbing/object"
	"github.com/keelscm/keel/pkg/serve/database"
	"github.com/keelscm/keel/pkg/serve/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoWants        = errors.New("fetch: no want lines")
	ErrMalformedFetch = errors.New("fetch: malformed request")
)

const (
	bandData     byte = 1
	bandProgress byte = 2
	bandError    byte = 3

	// maxHaveWalk bounds the walk of history the client already holds.
	// Cutting it short only widens the pack, never corrupts it.
	maxHaveWalk = 10000
)

// FetchRequest is one parsed upload-pack request body.
type FetchRequest struct {
	Wants   []plumbing.Hash
	Haves   []plumbing.Hash
	Shallow []plumbing.Hash
	Caps    protocol.Caps
	Filter  string
	Deepen  bool
	Done    bool
}

// ParseFetchRequest reads the pkt-line negotiation: want lines with the
// capability echo on the first, optional shallow/deepen/filter tokens,
// FLUSH, then have batches ending in done. EOF before done is tolerated,
// stateless clients always close the body there anyway.
func ParseFetchRequest(reader io.Reader) (*FetchRequest, error) {
	req := &FetchRequest{}
	s := pktline.NewScanner(reader)
	for s.Scan() {
		if s.Kind() != pktline.DataPacket {
			break
		}
		line := strings.TrimSuffix(string(s.Bytes()), "\n")
		switch {
		case strings.HasPrefix(line, "want "):
			oid, caps, err := protocol.ParseWant(line)
			if err != nil {
				return nil, err
			}
			if len(req.Wants) == 0 {
				req.Caps = caps
			}
			req.Wants = append(req.Wants, oid)
		case strings.HasPrefix(line, "shallow "):
			rest := strings.TrimPrefix(line, "shallow ")
			if !plumbing.ValidateHashHex(rest) {
				return nil, fmt.Errorf("%w: %q", protocol.ErrInvalidShaSyntax, rest)
			}
			req.Shallow = append(req.Shallow, plumbing.NewHash(rest))
		case strings.HasPrefix(line, "deepen"):
			req.Deepen = true
		case strings.HasPrefix(line, "filter "):
			req.Filter = strings.TrimPrefix(line, "filter ")
		default:
			return nil, fmt.Errorf("%w: %q", ErrMalformedFetch, line)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(req.Wants) == 0 {
		return nil, ErrNoWants
	}
	for s.Scan() {
		if s.Kind() != pktline.DataPacket {
			continue // have batches are separated by FLUSH
		}
		line := strings.TrimSuffix(string(s.Bytes()), "\n")
		if line == "done" {
			req.Done = true
			break
		}
		oid, err := protocol.ParseHave(line)
		if err != nil {
			return nil, err
		}
		req.Haves = append(req.Haves, oid)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// muxWriter frames a byte stream as pkt-lines, tagged with a side-band
// channel when one is set. Plain side-band caps frames at 1000 bytes,
// side-band-64k at the pkt-line maximum.
type muxWriter struct {
	enc     *pktline.Encoder
	band    byte // 0 writes bare pkt-lines
	limit   int
	scratch []byte
}

func newMuxWriter(enc *pktline.Encoder, caps protocol.Caps, band byte) *muxWriter {
	w := &muxWriter{enc: enc, limit: pktline.MaxPayloadSize}
	if caps.SideBanded() {
		w.band = band
		w.limit = 999
		if caps.SideBand64k {
			w.limit = pktline.MaxPayloadSize - 1
		}
	}
	return w
}

func (w *muxWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), w.limit)
		chunk := p[:n]
		if w.band != 0 {
			w.scratch = append(w.scratch[:0], w.band)
			chunk = append(w.scratch, chunk...)
		}
		if err := w.enc.Encode(chunk); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Fetch serves one upload-pack exchange over w: a single ACK or NAK,
// then the closure of the wants minus the haves as a version 2 pack.
// Callers must have parsed the request up front so that syntax errors
// surface before any response byte is written.
func (r *Repository) Fetch(ctx context.Context, req *FetchRequest, w io.Writer) error {
	enc := pktline.NewEncoder(w)
	caps := req.Caps.Intersect(protocol.UploadCapabilities(r.agent))
	if req.Deepen {
		_ = enc.EncodeString("ERR shallow fetches are not supported\n")
		return ErrReportStarted
	}
	for _, oid := range req.Wants {
		ok, err := r.odb.Has(ctx, oid)
		if err != nil {
			return err
		}
		if !ok {
			_ = enc.Encodef("ERR upload-pack: not our ref %s\n", oid)
			return ErrReportStarted
		}
	}
	entries, err := r.closure(ctx, req, caps)
	if err != nil {
		logrus.Errorf("[%s] fetch: collect objects: %v", r.source, err)
		_ = enc.EncodeString("ERR internal server error\n")
		return ErrReportStarted
	}
	var common plumbing.Hash
	for _, oid := range req.Haves {
		ok, err := r.odb.Has(ctx, oid)
		if err != nil {
			return err
		}
		if ok {
			common = oid
			break
		}
	}
	// single answer per session, multi_ack is never advertised
	if common.IsZero() {
		if err := enc.EncodeString("NAK\n"); err != nil {
			return err
		}
	} else if err := enc.Encodef("ACK %s\n", common); err != nil {
		return err
	}
	progress := func(format string, a ...any) {}
	if caps.SideBanded() && !caps.NoProgress {
		band := newMuxWriter(enc, caps, bandProgress)
		progress = func(format string, a ...any) {
			_, _ = fmt.Fprintf(band, format, a...)
		}
	}
	progress("Enumerating objects: %d, done.\n", len(entries))
	pw := packfile.NewWriter(newMuxWriter(enc, caps, bandData), uint32(len(entries)))
	for _, oid := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, data, err := r.odb.GetObject(ctx, oid)
		if err != nil {
			return r.abortFetch(enc, caps, err)
		}
		if err := pw.WriteObject(t, data); err != nil {
			return err
		}
	}
	if err := pw.Close(); err != nil {
		return err
	}
	progress("Total %d (delta 0), reused 0\n", len(entries))
	return enc.Flush()
}

// abortFetch reports a mid-stream failure. With side-band the client
// gets a channel 3 message; without it the stream just breaks.
func (r *Repository) abortFetch(enc *pktline.Encoder, caps protocol.Caps, err error) error {
	logrus.Errorf("[%s] fetch aborted: %v", r.source, err)
	if caps.SideBanded() {
		_, _ = newMuxWriter(enc, caps, bandError).Write([]byte("fatal: internal server error\n"))
	}
	return err
}

// closure collects the objects reachable from the wants that are not
// reachable from any have: commits with their trees and blobs, tag
// objects peeled down to what they point at.
func (r *Repository) closure(ctx context.Context, req *FetchRequest, caps protocol.Caps) ([]plumbing.Hash, error) {
	seen := make(map[plumbing.Hash]bool)
	if err := r.markHaves(ctx, req.Haves, seen); err != nil {
		return nil, err
	}
	var entries []plumbing.Hash
	queue := make([]plumbing.Hash, 0, len(req.Wants))
	queue = append(queue, req.Wants...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		oid := queue[0]
		queue = queue[1:]
		if seen[oid] {
			continue
		}
		a, err := r.odb.Object(ctx, oid)
		if errors.Is(err, object.ErrUnsupportedObject) {
			// a directly wanted blob
			seen[oid] = true
			entries = append(entries, oid)
			continue
		}
		if err != nil {
			return nil, err
		}
		switch v := a.(type) {
		case *object.Commit:
			seen[oid] = true
			entries = append(entries, oid)
			if err := r.collectTree(ctx, v.Tree, seen, &entries); err != nil {
				return nil, err
			}
			for _, parent := range v.Parents {
				if !seen[parent] {
					queue = append(queue, parent)
				}
			}
		case *object.Tag:
			seen[oid] = true
			entries = append(entries, oid)
			if !seen[v.Object] {
				queue = append(queue, v.Object)
			}
		case *object.Tree:
			if err := r.collectTree(ctx, oid, seen, &entries); err != nil {
				return nil, err
			}
		}
	}
	if caps.IncludeTag {
		entries, _ = r.appendReachableTags(ctx, entries)
	}
	return entries, nil
}

// appendReachableTags adds annotated tag objects whose target is already
// in the pack, the include-tag contract.
func (r *Repository) appendReachableTags(ctx context.Context, entries []plumbing.Hash) ([]plumbing.Hash, error) {
	packed := make(map[plumbing.Hash]bool, len(entries))
	for _, oid := range entries {
		packed[oid] = true
	}
	tags, err := r.refs.List(ctx, protocol.TAG_PREFIX)
	if err != nil {
		return entries, err
	}
	for _, ref := range tags {
		if ref.Kind != database.DirectRef {
			continue
		}
		oid := plumbing.NewHash(ref.Target)
		if packed[oid] {
			continue
		}
		tag, err := r.odb.Tag(ctx, oid)
		if err != nil {
			continue // lightweight tag, already a pack member or not ours
		}
		if packed[tag.Object] {
			entries = append(entries, oid)
			packed[oid] = true
		}
	}
	return entries, nil
}

// markHaves walks the history the client claims to hold and marks every
// commit, tree and blob on it as already seen.
func (r *Repository) markHaves(ctx context.Context, haves []plumbing.Hash, seen map[plumbing.Hash]bool) error {
	queue := make([]plumbing.Hash, 0, len(haves))
	for _, oid := range haves {
		ok, err := r.odb.Has(ctx, oid)
		if err != nil {
			return err
		}
		if ok {
			queue = append(queue, oid)
		}
	}
	walked := 0
	for len(queue) > 0 && walked < maxHaveWalk {
		if err := ctx.Err(); err != nil {
			return err
		}
		oid := queue[0]
		queue = queue[1:]
		if seen[oid] {
			continue
		}
		commit, err := r.odb.Commit(ctx, oid)
		if err != nil {
			continue // haves occasionally name tags or trees, skip them
		}
		seen[oid] = true
		walked++
		if err := r.collectTree(ctx, commit.Tree, seen, nil); err != nil {
			return err
		}
		queue = append(queue, commit.Parents...)
	}
	return nil
}

// collectTree marks a tree and its contents as seen, appending each
// newly seen object to entries when collecting for the pack.
func (r *Repository) collectTree(ctx context.Context, oid plumbing.Hash, seen map[plumbing.Hash]bool, entries *[]plumbing.Hash) error {
	if oid.IsZero() || seen[oid] {
		return nil
	}
	seen[oid] = true
	if entries != nil {
		*entries = append(*entries, oid)
	}
	tree, err := r.odb.Tree(ctx, oid)
	if err != nil {
		return err
	}
	for _, entry := range tree.Entries {
		switch entry.Type() {
		case plumbing.TreeObject:
			if err := r.collectTree(ctx, entry.Hash, seen, entries); err != nil {
				return err
			}
		case plumbing.BlobObject:
			if seen[entry.Hash] {
				continue
			}
			seen[entry.Hash] = true
			if entries != nil {
				*entries = append(*entries, entry.Hash)
			}
		default:
			// submodule pointers live in another repository
		}
	}
	return nil
}
