// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const projectionTimeout = 30 * time.Second

// PackedRef is one line of the packed-refs projection.
type PackedRef struct {
	Name     string `json:"name"`
	Target   string `json:"target"`
	Kind     string `json:"kind"`
	SyncedAt int64  `json:"synced_at"` // milliseconds since epoch
}

func (s *Store) projectionKey() string {
	return fmt.Sprintf("refs/%d/packed-refs.jsonl", s.rid)
}

// ListPacked snapshots every ref in projection form. The snapshot is read
// from the authoritative store, not from the bucket copy.
func (s *Store) ListPacked(ctx context.Context) ([]PackedRef, error) {
	references, err := s.backend.ListReferences(ctx, s.rid, "")
	if err != nil {
		return nil, err
	}
	syncedAt := time.Now().UnixMilli()
	packed := make([]PackedRef, 0, len(references))
	for _, ref := range references {
		packed = append(packed, PackedRef{
			Name:     string(ref.Name),
			Target:   ref.Target,
			Kind:     ref.Kind.String(),
			SyncedAt: syncedAt,
		})
	}
	return packed, nil
}

// WritePacked renders the projection as line-delimited JSON and uploads it
// to the bucket, replacing the previous copy.
func (s *Store) WritePacked(ctx context.Context) error {
	if s.sink == nil {
		return nil
	}
	packed, err := s.ListPacked(ctx)
	if err != nil {
		return err
	}
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	for _, ref := range packed {
		if err := enc.Encode(&ref); err != nil {
			return err
		}
	}
	return s.sink.Put(ctx, s.projectionKey(), &b, "application/x-ndjson")
}

// kickProjection wakes the projection goroutine. The channel holds one
// token, so a burst of mutations coalesces into a single rewrite.
func (s *Store) kickProjection() {
	if s.sink == nil {
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Store) projectionLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			ctx, cancel := context.WithTimeout(context.Background(), projectionTimeout)
			if err := s.WritePacked(ctx); err != nil {
				logrus.Errorf("write packed-refs projection for rid-%d error: %v", s.rid, err)
			}
			cancel()
		}
	}
}

// Close stops the projection goroutine. Pending kicks are dropped; the
// projection is eventually consistent and the next mutation rewrites it.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}
