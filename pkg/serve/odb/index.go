// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/keelscm/keel/modules/plumbing"
)

const indexSidecar = "index.json"

// locationIndex maps every object to the single tier that currently
// owns it. The map is authoritative at runtime; a JSON sidecar in the
// repository directory is rewritten on every mutation so a restarted
// process does not have to re-walk three tiers.
type locationIndex struct {
	mu    sync.RWMutex
	path  string
	tiers map[plumbing.Hash]Tier
}

func openLocationIndex(root string) (*locationIndex, error) {
	idx := &locationIndex{
		path:  filepath.Join(root, indexSidecar),
		tiers: make(map[plumbing.Hash]Tier),
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *locationIndex) load() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for hexOid, tierName := range raw {
		oid, err := plumbing.NewHashEx(hexOid)
		if err != nil {
			continue
		}
		tier, err := ParseTier(tierName)
		if err != nil {
			continue
		}
		idx.tiers[oid] = tier
	}
	return nil
}

// flush rewrites the sidecar; caller holds at least the read lock.
func (idx *locationIndex) flush() error {
	raw := make(map[string]string, len(idx.tiers))
	for oid, tier := range idx.tiers {
		raw[oid.String()] = tier.String()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	fd, err := os.CreateTemp(filepath.Dir(idx.path), "index-*")
	if err != nil {
		return err
	}
	if _, err := fd.Write(data); err != nil {
		_ = fd.Close()
		_ = os.Remove(fd.Name())
		return err
	}
	if err := fd.Close(); err != nil {
		_ = os.Remove(fd.Name())
		return err
	}
	return os.Rename(fd.Name(), idx.path)
}

// Lookup reports the owning tier.
func (idx *locationIndex) Lookup(oid plumbing.Hash) (Tier, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	tier, ok := idx.tiers[oid]
	return tier, ok
}

// Assign records oid as living in tier, replacing any previous owner.
func (idx *locationIndex) Assign(oid plumbing.Hash, tier Tier) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if prev, ok := idx.tiers[oid]; ok && prev == tier {
		return nil
	}
	idx.tiers[oid] = tier
	return idx.flush()
}

// Remove forgets an object entirely, used when the object itself is
// deleted from its last tier.
func (idx *locationIndex) Remove(oid plumbing.Hash) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.tiers[oid]; !ok {
		return nil
	}
	delete(idx.tiers, oid)
	return idx.flush()
}

// InTier visits every object currently assigned to tier.
func (idx *locationIndex) InTier(tier Tier, fn func(oid plumbing.Hash)) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for oid, t := range idx.tiers {
		if t == tier {
			fn(oid)
		}
	}
}

func (idx *locationIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.tiers)
}
