// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package repo assembles the serving pipelines of a repository: the
// tiered object database, the MySQL ref store, the hook executor and the
// change capture taps between them. Transports hand it parsed requests
// and a response writer; everything protocol-shaped lives in fetch.go
// and push.go.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/keelscm/keel/modules/oss"
	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/filemode"
	"github.com/keelscm/keel/modules/plumbing/object"
	"github.com/keelscm/keel/pkg/serve"
	"github.com/keelscm/keel/pkg/serve/cdc"
	"github.com/keelscm/keel/pkg/serve/database"
	"github.com/keelscm/keel/pkg/serve/hook"
	"github.com/keelscm/keel/pkg/serve/odb"
	"github.com/keelscm/keel/pkg/serve/protect"
	"github.com/keelscm/keel/pkg/serve/protocol"
	"github.com/keelscm/keel/pkg/serve/refs"
	"github.com/keelscm/keel/pkg/version"
	"github.com/sirupsen/logrus"
)

type Repositories interface {
	Open(ctx context.Context, ns *database.Namespace, repo *database.Repository) (*Repository, error)
	New(ctx context.Context, newRepo *database.Repository, u *database.User, empty bool) (*database.Repository, error)
	Registry() *hook.Registry
	Close() error
}

var (
	_ Repositories = &repositories{}
)

// Options carries the configuration slices the hub needs. Cache, Storage,
// CDC, Hooks and Protect may all be nil; each nil section simply disables
// the corresponding machinery.
type Options struct {
	Root    string
	DB      database.DB
	Agent   string
	Cache   *serve.Cache
	Storage *serve.Storage
	CDC     *serve.CDC
	Hooks   *serve.Hooks
	Protect *serve.Protect
}

type repositories struct {
	root     string
	mdb      database.DB
	cdb      odb.CacheDB
	bucket   odb.BucketClient
	storage  *serve.Storage
	pipeline *cdc.Pipeline
	registry *hook.Registry
	hooks    *hook.Executor
	agent    string
}

// NewRepositories builds the hub shared by every request: one object
// cache, one cold bucket, one capture pipeline and one hook registry.
func NewRepositories(ctx context.Context, opts *Options) (Repositories, error) {
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("initialize repositories root: %w", err)
	}
	cache := opts.Cache
	if cache == nil {
		cache = &serve.Cache{NumCounters: 1000000000, MaxCost: 20, BufferItems: 64}
	}
	cdb, err := odb.NewCacheDB(cache.NumCounters, cache.MaxCost, cache.BufferItems)
	if err != nil {
		return nil, err
	}
	agent := opts.Agent
	if len(agent) == 0 {
		agent = version.GetUserAgent()
	}
	r := &repositories{
		root:    opts.Root,
		mdb:     opts.DB,
		cdb:     cdb,
		storage: opts.Storage,
		agent:   agent,
	}
	if opts.Storage != nil && opts.Storage.Cold != nil {
		if r.bucket, err = openBucket(ctx, opts.Storage.Cold); err != nil {
			return nil, err
		}
	}
	if r.pipeline, err = newPipeline(opts.CDC, r.bucket); err != nil {
		return nil, err
	}
	engine, err := opts.Protect.Engine()
	if err != nil {
		return nil, err
	}
	r.registry = hook.NewRegistry()
	if err := r.registry.Register(protect.Hook(engine)); err != nil {
		return nil, err
	}
	if err := opts.Hooks.Register(r.registry); err != nil {
		return nil, err
	}
	r.hooks = hook.NewExecutor(r.registry, hook.WithObserver(observeHook))
	return r, nil
}

func observeHook(res hook.Result) {
	logrus.Debugf("hook %s point %s ref %s took %v err=%v", res.HookID, res.Point, res.Ref, res.Took, res.Err)
}

// openBucket dials the configured cold tier driver. The OSS client is
// used as-is; S3 and GCS are adapted behind the same BucketClient shape.
func openBucket(ctx context.Context, cold *serve.ColdStorage) (odb.BucketClient, error) {
	if err := cold.Validate(); err != nil {
		return nil, err
	}
	switch cold.Driver {
	case "oss":
		return oss.NewBucket(&oss.NewBucketOptions{
			Endpoint:        cold.OSS.Endpoint,
			SharedEndpoint:  cold.OSS.SharedEndpoint,
			Bucket:          cold.OSS.Bucket,
			AccessKeyID:     cold.OSS.AccessKeyID,
			AccessKeySecret: cold.OSS.AccessKeySecret,
			Product:         cold.OSS.Product,
			Region:          cold.OSS.Region,
		})
	case "s3":
		return odb.NewS3Bucket(ctx, &odb.S3Options{
			Region:          cold.S3.Region,
			Bucket:          cold.S3.Bucket,
			Endpoint:        cold.S3.Endpoint,
			AccessKeyID:     cold.S3.AccessKeyID,
			SecretAccessKey: cold.S3.SecretAccessKey,
			UsePathStyle:    cold.S3.UsePathStyle,
		})
	case "gcs":
		return odb.NewGCSBucket(ctx, &odb.GCSOptions{
			Bucket:          cold.GCS.Bucket,
			Endpoint:        cold.GCS.Endpoint,
			CredentialsFile: cold.GCS.CredentialsFile,
			Anonymous:       cold.GCS.Anonymous,
		})
	}
	return nil, fmt.Errorf("unsupported cold storage driver: %s", cold.Driver)
}

// newPipeline assembles the change capture pipeline: the local spool sink
// when a directory is configured, the cold bucket when one is open.
func newPipeline(cfg *serve.CDC, bucket odb.BucketClient) (*cdc.Pipeline, error) {
	if cfg == nil || cfg.Disabled {
		return nil, nil
	}
	sinks := make([]cdc.Sink, 0, 2)
	if len(cfg.Spool) != 0 {
		spool, err := cdc.NewSpoolSink(cfg.Spool)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, spool)
	}
	if bucket != nil {
		sinks = append(sinks, cdc.NewBucketSink(bucket, ""))
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	var jitter float64
	if cfg.Jitter {
		jitter = 0.2
	}
	return cdc.NewPipeline(cdc.Options{
		Version:       version.GetVersion(),
		MaxBufferSize: cfg.MaxBufferSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval.Duration,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay.Duration,
		Backoff:       cfg.Backoff,
		Jitter:        jitter,
		Columns:       cfg.Columns,
	}, sinks...), nil
}

// repoJoin shards repositories by id: "<root>/007/7.git".
func (r *repositories) repoJoin(rid int64) string {
	return fmt.Sprintf("%s/%03d/%d.git", r.root, rid%1000, rid)
}

func (r *repositories) Registry() *hook.Registry {
	return r.registry
}

func (r *repositories) lockFunc() odb.LockFunc {
	if r.mdb == nil {
		return nil
	}
	return func(ctx context.Context, name string, timeout time.Duration) (odb.ReleaseFunc, error) {
		lock, err := r.mdb.AcquireLock(ctx, name, timeout)
		if err != nil {
			return nil, err
		}
		return lock.Release, nil
	}
}

func (r *repositories) newMigrator(o *odb.ODB, cfg *serve.Migrate) *odb.Migrator {
	opts := []odb.MigratorOption{
		odb.WithChecksum(cfg.Checksum),
		odb.WithVerify(cfg.Verify),
	}
	if cfg.Concurrency > 0 {
		opts = append(opts, odb.WithConcurrency(cfg.Concurrency))
	}
	if cfg.Interval.Duration > 0 {
		opts = append(opts, odb.WithInterval(cfg.Interval.Duration))
	}
	if lock := r.lockFunc(); lock != nil {
		opts = append(opts, odb.WithLock(lock, cfg.LockTimeout.Duration))
	}
	return odb.NewMigrator(o, odb.MigrationPolicy{
		MaxAgeInHot:    cfg.MaxAgeInHot.Duration,
		MinAccessCount: cfg.MinAccessCount,
		MaxHotSize:     cfg.MaxHotSize,
	}, opts...)
}

// Open wires one repository for serving. Every Open spawns the ref
// projection goroutine, so callers must Close when the request is done.
func (r *repositories) Open(ctx context.Context, ns *database.Namespace, repo *database.Repository) (*Repository, error) {
	source := ns.Path + "/" + repo.Path
	opts := make([]odb.Option, 0, 4)
	opts = append(opts, odb.WithCacheDB(r.cdb))
	if r.bucket != nil {
		opts = append(opts, odb.WithBucket(r.bucket))
	}
	if r.storage != nil && r.storage.LRU != nil {
		lru := r.storage.LRU
		opts = append(opts, odb.WithLRU(lru.MaxObjects, lru.MaxBytes, lru.TTL.Duration))
	}
	if r.pipeline != nil {
		opts = append(opts, odb.WithObserver(&captureObserver{pipeline: r.pipeline, source: source, rid: repo.ID}))
	}
	o, err := odb.NewODB(repo.ID, r.repoJoin(repo.ID), opts...)
	if err != nil {
		return nil, err
	}
	var sink refs.ProjectionSink
	if r.bucket != nil {
		sink = r.bucket
	}
	store := refs.NewStore(r.mdb, repo.ID, sink)
	if r.pipeline != nil {
		rid := repo.ID
		store.OnRefUpdate(func(u refs.Update) {
			r.pipeline.Capture(cdc.NewRefEvent(source, rid, string(u.Name), u.OldTarget, u.NewTarget))
		})
	}
	repository := &Repository{
		rid:           repo.ID,
		source:        source,
		name:          repo.Name,
		defaultBranch: repo.DefaultBranch,
		odb:           o,
		refs:          store,
		hooks:         r.hooks,
		lock:          r.lockFunc(),
		agent:         r.agent,
	}
	if r.storage != nil && r.storage.Migrate != nil {
		repository.migrator = r.newMigrator(o, r.storage.Migrate)
	}
	return repository, nil
}

// New registers the repository row, grants the creator owner access and
// seeds HEAD plus, unless empty, the first commit on the default branch.
func (r *repositories) New(ctx context.Context, newRepo *database.Repository, u *database.User, empty bool) (*database.Repository, error) {
	repo, err := r.mdb.NewRepository(ctx, newRepo)
	if err != nil {
		return nil, err
	}
	if err := r.mdb.AddMember(ctx, &database.Member{
		UID:         u.ID,
		AccessLevel: database.OwnerAccess,
		SourceID:    repo.ID,
		SourceType:  database.ProjectMember,
	}); err != nil {
		return nil, err
	}
	ns, err := r.mdb.FindNamespaceByID(ctx, repo.NamespaceID)
	if err != nil {
		return nil, err
	}
	repository, err := r.Open(ctx, ns, repo)
	if err != nil {
		return nil, err
	}
	defer repository.Close() // nolint
	if err := repository.initialize(ctx, u, empty); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *repositories) Close() error {
	if r.pipeline != nil {
		return r.pipeline.Close()
	}
	return nil
}

// captureObserver forwards object lifecycle notifications into the
// change capture pipeline.
type captureObserver struct {
	pipeline *cdc.Pipeline
	source   string
	rid      int64
}

func (c *captureObserver) ObjectCreated(oid plumbing.Hash, kind plumbing.ObjectType, size int64) {
	c.pipeline.Capture(cdc.NewObjectCreated(c.source, c.rid, oid, kind, size))
}

func (c *captureObserver) ObjectMigrated(oid plumbing.Hash, source, target odb.Tier) {
	c.pipeline.Capture(cdc.NewObjectMigrated(c.source, c.rid, oid, source.String(), target.String()))
}

// Repository is one opened repository: the tiered object database, the
// transactional ref store and the hook pipeline that guards it.
type Repository struct {
	rid           int64
	source        string
	name          string
	defaultBranch string

	odb      *odb.ODB
	refs     *refs.Store
	hooks    *hook.Executor
	migrator *odb.Migrator
	lock     odb.LockFunc
	agent    string
}

func (r *Repository) RID() int64 {
	return r.rid
}

// Source is the "namespace/path" tag used in logs and capture events.
func (r *Repository) Source() string {
	return r.source
}

func (r *Repository) DefaultBranch() string {
	return r.defaultBranch
}

func (r *Repository) ODB() *odb.ODB {
	return r.odb
}

func (r *Repository) Refs() *refs.Store {
	return r.refs
}

func (r *Repository) Migrator() *odb.Migrator {
	return r.migrator
}

func (r *Repository) Close() error {
	if err := r.refs.Close(); err != nil {
		_ = r.odb.Close()
		return err
	}
	return r.odb.Close()
}

func (r *Repository) initialize(ctx context.Context, u *database.User, empty bool) error {
	branch := plumbing.NewBranchReferenceName(r.defaultBranch)
	if _, err := r.refs.SetSymbolic(ctx, plumbing.HEAD, branch); err != nil {
		return err
	}
	if empty {
		return nil
	}
	oid, err := r.seedCommit(ctx, u)
	if err != nil {
		return err
	}
	_, err = r.refs.CASUpdate(ctx, branch, plumbing.ZERO_OID, oid.String())
	return err
}

// seedCommit writes the README blob, its tree and the root commit.
func (r *Repository) seedCommit(ctx context.Context, u *database.User) (plumbing.Hash, error) {
	blob, err := r.odb.PutObject(ctx, plumbing.BlobObject, fmt.Appendf(nil, "# %s\n", r.name))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	tree, err := r.putEncoded(ctx, plumbing.TreeObject, &object.Tree{
		Entries: []*object.TreeEntry{
			{Name: "README.md", Mode: filemode.Regular, Hash: blob},
		},
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	committer := object.Signature{Name: u.UserName, Email: u.Email, When: time.Now()}
	return r.putEncoded(ctx, plumbing.CommitObject, &object.Commit{
		Author:    committer,
		Committer: committer,
		Tree:      tree,
		Message:   "Initial commit\n",
	})
}

type wireEncoder interface {
	Encode(w io.Writer) error
}

func (r *Repository) putEncoded(ctx context.Context, t plumbing.ObjectType, e wireEncoder) (plumbing.Hash, error) {
	var b bytes.Buffer
	if err := e.Encode(&b); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.odb.PutObject(ctx, t, b.Bytes())
}

// Advertise returns the capability record and ref list for one service:
// HEAD first for fetch, branches and tags sorted by name, annotated tags
// followed by their peeled targets.
func (r *Repository) Advertise(ctx context.Context, svc string) (protocol.Caps, []protocol.AdvRef, error) {
	caps := protocol.UploadCapabilities(r.agent)
	if svc == protocol.ServiceReceivePack {
		caps = protocol.ReceiveCapabilities(r.agent)
	}
	references, err := r.refs.List(ctx, protocol.REF_PREFIX)
	if err != nil {
		return caps, nil, err
	}
	slices.SortFunc(references, func(a, b *database.Reference) int {
		return strings.Compare(string(a.Name), string(b.Name))
	})
	advs := make([]protocol.AdvRef, 0, len(references)+1)
	if svc == protocol.ServiceUploadPack {
		if res, err := r.refs.Resolve(ctx, plumbing.HEAD, 0); err == nil && !res.Hash.IsZero() {
			advs = append(advs, protocol.AdvRef{Name: protocol.HEAD, Hash: res.Hash})
		}
	}
	for _, ref := range references {
		if ref.Kind != database.DirectRef {
			continue
		}
		adv := protocol.AdvRef{Name: string(ref.Name), Hash: plumbing.NewHash(ref.Target)}
		if ref.Name.IsTag() {
			if tag, err := r.odb.Tag(ctx, adv.Hash); err == nil {
				peeled := tag.Object
				adv.Peeled = &peeled
			}
		}
		advs = append(advs, adv)
	}
	return caps, advs, nil
}

// FastForward reports whether moving a ref from old to new only adds
// history. Creates and deletes are trivially fast-forward.
func (r *Repository) FastForward(ctx context.Context, old, new plumbing.Hash) (bool, error) {
	if old.IsZero() || new.IsZero() {
		return true, nil
	}
	return r.odb.IsAncestor(ctx, old, new)
}
