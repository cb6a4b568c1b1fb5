// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/keelscm/keel/modules/plumbing"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMigrationInFlight = errors.New("object migration already in flight")
	ErrTierNotConfigured = errors.New("storage tier not configured")
	ErrVerifyMismatch    = errors.New("migrated payload diverges from source")
)

// MigrationPolicy states when a hot object has cooled off enough to
// leave local disk. Zero fields disable the corresponding rule.
type MigrationPolicy struct {
	// MaxAgeInHot demotes objects not touched for this long.
	MaxAgeInHot time.Duration
	// MinAccessCount demotes objects read or written fewer times.
	MinAccessCount int64
	// MaxHotSize demotes the coldest objects until the hot tier fits.
	MaxHotSize int64
}

type JobState string

const (
	JobPending    JobState = "pending"
	JobInProgress JobState = "in_progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobRolledBack JobState = "rolled_back"
)

// Job records one migration attempt. Completed attempts are kept per
// object so operators can audit how an object travelled between tiers.
type Job struct {
	ID          int64
	SHA         plumbing.Hash
	Source      Tier
	Target      Tier
	State       JobState
	Progress    int
	Reason      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// ReleaseFunc frees a previously granted migration lock.
type ReleaseFunc func(ctx context.Context) error

// LockFunc grants a named lock shared across server processes; the
// production wiring adapts the MySQL GET_LOCK helper. A nil LockFunc
// limits mutual exclusion to this process.
type LockFunc func(ctx context.Context, name string, timeout time.Duration) (ReleaseFunc, error)

// Migrator moves objects between tiers without ever letting a reader
// observe the object as missing: the source copy survives until the
// target copy is written, verified and indexed.
type Migrator struct {
	o           *ODB
	policy      MigrationPolicy
	lock        LockFunc
	lockTimeout time.Duration
	checksum    bool
	verify      bool
	concurrency int
	interval    time.Duration

	seq      atomic.Int64
	mu       sync.Mutex
	inflight map[plumbing.Hash]*Job
	pending  map[plumbing.Hash][]byte
	history  map[plumbing.Hash][]Job
}

type MigratorOption func(m *Migrator)

// WithLock serialises migrations of one object across processes.
func WithLock(lock LockFunc, timeout time.Duration) MigratorOption {
	return func(m *Migrator) {
		m.lock = lock
		if timeout > 0 {
			m.lockTimeout = timeout
		}
	}
}

// WithChecksum hashes the payload before the copy so verification can
// compare digests instead of bytes.
func WithChecksum(on bool) MigratorOption {
	return func(m *Migrator) {
		m.checksum = on
	}
}

// WithVerify re-reads the target copy before the source is deleted.
func WithVerify(on bool) MigratorOption {
	return func(m *Migrator) {
		m.verify = on
	}
}

func WithConcurrency(n int) MigratorOption {
	return func(m *Migrator) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithInterval sets the cadence of the background sweep loop.
func WithInterval(d time.Duration) MigratorOption {
	return func(m *Migrator) {
		if d > 0 {
			m.interval = d
		}
	}
}

func NewMigrator(o *ODB, policy MigrationPolicy, opts ...MigratorOption) *Migrator {
	m := &Migrator{
		o:           o,
		policy:      policy,
		lockTimeout: 10 * time.Second,
		concurrency: 4,
		interval:    time.Hour,
		inflight:    make(map[plumbing.Hash]*Job),
		pending:     make(map[plumbing.Hash][]byte),
		history:     make(map[plumbing.Hash][]Job),
	}
	for _, opt := range opts {
		opt(m)
	}
	o.migrator = m
	return m
}

func (m *Migrator) lockName(oid plumbing.Hash) string {
	return fmt.Sprintf("keel:migrate:%d:%s", m.o.rid, oid)
}

// deferPut queues a write racing an in-flight migration of the same
// object; finish replays it once the migration settles.
func (m *Migrator) deferPut(oid plumbing.Hash, payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[oid]; !ok {
		return false
	}
	m.pending[oid] = payload
	return true
}

func (m *Migrator) begin(oid plumbing.Hash, source, target Tier) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[oid]; ok {
		return nil, ErrMigrationInFlight
	}
	job := &Job{
		ID:        m.seq.Add(1),
		SHA:       oid,
		Source:    source,
		Target:    target,
		State:     JobInProgress,
		StartedAt: time.Now(),
	}
	m.inflight[oid] = job
	return job, nil
}

func (m *Migrator) setProgress(job *Job, pct int) {
	m.mu.Lock()
	job.Progress = pct
	m.mu.Unlock()
}

func (m *Migrator) finish(ctx context.Context, job *Job, state JobState, cause error) {
	m.mu.Lock()
	job.State = state
	if cause != nil {
		job.Reason = cause.Error()
	}
	job.CompletedAt = time.Now()
	delete(m.inflight, job.SHA)
	payload, replay := m.pending[job.SHA]
	delete(m.pending, job.SHA)
	m.history[job.SHA] = append(m.history[job.SHA], *job)
	m.mu.Unlock()
	if replay {
		if _, err := m.o.putFramed(ctx, job.SHA, payload); err != nil {
			logrus.Errorf("replay pending write %s: %v", job.SHA, err)
		}
	}
}

// Migrate moves one object from source to target and reports the
// completed job. The object stays readable throughout; on any failure
// after the target copy was written the move is rolled back.
func (m *Migrator) Migrate(ctx context.Context, oid plumbing.Hash, source, target Tier) (Job, error) {
	if source == target {
		return Job{}, fmt.Errorf("migrate %s: source and target are both %s", oid, source)
	}
	src, tgt := m.o.tier(source), m.o.tier(target)
	if src == nil || tgt == nil {
		return Job{}, ErrTierNotConfigured
	}
	job, err := m.begin(oid, source, target)
	if err != nil {
		return Job{}, err
	}
	state, cause := m.run(ctx, job, src, tgt)
	m.finish(ctx, job, state, cause)
	m.mu.Lock()
	done := *job
	m.mu.Unlock()
	return done, cause
}

func (m *Migrator) run(ctx context.Context, job *Job, src, tgt Backend) (JobState, error) {
	if m.lock != nil {
		release, err := m.lock(ctx, m.lockName(job.SHA), m.lockTimeout)
		if err != nil {
			return JobFailed, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logrus.Errorf("release migration lock %s: %v", job.SHA, err)
			}
		}()
	}

	payload, err := src.Get(ctx, job.SHA)
	if err != nil {
		return JobFailed, err
	}
	m.setProgress(job, 25)

	var sum [sha256.Size]byte
	if m.checksum {
		sum = sha256.Sum256(payload)
	}

	if err := tgt.Put(ctx, job.SHA, payload); err != nil {
		return JobFailed, err
	}
	m.setProgress(job, 50)

	// The target copy exists from here on: failures delete it and
	// restore the index so the source stays the single owner.
	if m.verify {
		got, err := tgt.Get(ctx, job.SHA)
		if err != nil {
			return m.rollback(ctx, job, tgt, err)
		}
		if m.checksum {
			if sha256.Sum256(got) != sum {
				return m.rollback(ctx, job, tgt, ErrVerifyMismatch)
			}
		} else if !bytes.Equal(got, payload) {
			return m.rollback(ctx, job, tgt, ErrVerifyMismatch)
		}
		m.setProgress(job, 75)
	}

	if err := m.o.index.Assign(job.SHA, job.Target); err != nil {
		return m.rollback(ctx, job, tgt, err)
	}
	if err := src.Delete(ctx, job.SHA); err != nil {
		return m.rollback(ctx, job, tgt, err)
	}
	m.setProgress(job, 100)
	if m.o.observer != nil {
		m.o.observer.ObjectMigrated(job.SHA, job.Source, job.Target)
	}
	return JobCompleted, nil
}

func (m *Migrator) rollback(ctx context.Context, job *Job, tgt Backend, cause error) (JobState, error) {
	if err := tgt.Delete(ctx, job.SHA); err != nil {
		logrus.Errorf("rollback migration %s: drop target copy: %v", job.SHA, err)
	}
	if err := m.o.index.Assign(job.SHA, job.Source); err != nil {
		logrus.Errorf("rollback migration %s: restore index: %v", job.SHA, err)
	}
	return JobRolledBack, fmt.Errorf("migrate %s %s → %s rolled back: %w", job.SHA, job.Source, job.Target, cause)
}

// Jobs returns the recorded attempts for one object, oldest first.
func (m *Migrator) Jobs(oid plumbing.Hash) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, len(m.history[oid]))
	copy(jobs, m.history[oid])
	if job, ok := m.inflight[oid]; ok {
		jobs = append(jobs, *job)
	}
	return jobs
}

// InFlight snapshots the currently running migrations.
func (m *Migrator) InFlight() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, 0, len(m.inflight))
	for _, job := range m.inflight {
		jobs = append(jobs, *job)
	}
	return jobs
}

type candidate struct {
	oid  plumbing.Hash
	size int64
	last time.Time
}

// Plan scans the hot tier and returns the objects the policy wants
// demoted, coldest first.
func (m *Migrator) Plan(ctx context.Context) ([]plumbing.Hash, error) {
	tracker := m.o.tracker
	var hotSize int64
	var scanned []*candidate
	err := m.o.tiers[TierHot].List(ctx, func(oid plumbing.Hash, size int64) error {
		hotSize += size
		scanned = append(scanned, &candidate{oid: oid, size: size, last: tracker.LastAccess(oid)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	heap := binaryheap.NewWith(func(a, b any) int {
		if a.(*candidate).last.Before(b.(*candidate).last) {
			return -1
		}
		return 1
	})
	overflow := int64(0)
	if m.policy.MaxHotSize > 0 && hotSize > m.policy.MaxHotSize {
		overflow = hotSize - m.policy.MaxHotSize
	}
	for _, c := range scanned {
		if m.cooledOff(c) || overflow > 0 {
			heap.Push(c)
		}
	}

	var picked []plumbing.Hash
	for {
		v, ok := heap.Pop()
		if !ok {
			break
		}
		c := v.(*candidate)
		if !m.cooledOff(c) && overflow <= 0 {
			continue
		}
		picked = append(picked, c.oid)
		overflow -= c.size
	}
	return picked, nil
}

// cooledOff reports whether the age and access-count rules both want
// the object out of the hot tier.
func (m *Migrator) cooledOff(c *candidate) bool {
	if m.policy.MaxAgeInHot <= 0 && m.policy.MinAccessCount <= 0 {
		return false
	}
	minAccess := m.policy.MinAccessCount
	maxAge := m.policy.MaxAgeInHot
	if maxAge <= 0 {
		maxAge = time.Duration(1<<63 - 1)
	}
	return !m.o.tracker.IsHot(c.oid, minAccess, maxAge)
}

// MigrateBatch demotes the given objects from hot to warm with bounded
// parallelism. Per-object failures are logged and recorded in the job
// history without aborting the rest of the batch.
func (m *Migrator) MigrateBatch(ctx context.Context, oids []plumbing.Hash, source, target Tier) []Job {
	jobs := make([]Job, len(oids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, oid := range oids {
		g.Go(func() error {
			job, err := m.Migrate(gctx, oid, source, target)
			if err != nil && !errors.Is(err, ErrMigrationInFlight) {
				logrus.Errorf("migrate %s %s → %s: %v", oid, source, target, err)
			}
			jobs[i] = job
			return nil
		})
	}
	_ = g.Wait()
	return jobs
}

// Sweep runs one plan-and-demote cycle.
func (m *Migrator) Sweep(ctx context.Context) (int, error) {
	picked, err := m.Plan(ctx)
	if err != nil {
		return 0, err
	}
	if len(picked) == 0 {
		return 0, nil
	}
	completed := 0
	for _, job := range m.MigrateBatch(ctx, picked, TierHot, TierWarm) {
		if job.State == JobCompleted {
			completed++
		}
	}
	return completed, nil
}

// Run sweeps on the configured interval until ctx ends.
func (m *Migrator) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				logrus.Errorf("migration sweep rid-%d: %v", m.o.rid, err)
				continue
			}
			if n > 0 {
				logrus.Infof("migration sweep rid-%d: demoted %d objects", m.o.rid, n)
			}
		}
	}
}
