// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/filemode"
	"github.com/keelscm/keel/modules/plumbing/format/packfile"
	"github.com/keelscm/keel/modules/plumbing/format/pktline"
	"github.com/keelscm/keel/modules/plumbing/object"
	"github.com/keelscm/keel/pkg/serve"
	"github.com/keelscm/keel/pkg/serve/argon2id"
	"github.com/keelscm/keel/pkg/serve/database"
	"github.com/keelscm/keel/pkg/serve/odb"
	"github.com/keelscm/keel/pkg/serve/protocol"
	"github.com/keelscm/keel/pkg/serve/repo"
)

// testHashParams keeps argon2id cheap; production strength is pointless
// in a fixture.
var testHashParams = &argon2id.Params{
	Memory:      8 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

type fakeLock struct {
	name    string
	release func()
}

func (l *fakeLock) Name() string { return l.name }

func (l *fakeLock) Release(ctx context.Context) error {
	l.release()
	return nil
}

type refKey struct {
	rid  int64
	name plumbing.ReferenceName
}

// fakeDB is an in-memory database.DB. Rows are copied on the way in and
// out; the handlers guard and mutate what they receive.
type fakeDB struct {
	mu      sync.Mutex
	seq     int64
	users   map[int64]*database.User
	keys    map[int64]*database.Key
	nss     map[int64]*database.Namespace
	repos   map[int64]*database.Repository
	members map[[2]int64]database.AccessLevel
	refs    map[refKey]*database.Reference
	locks   map[string]bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		users:   make(map[int64]*database.User),
		keys:    make(map[int64]*database.Key),
		nss:     make(map[int64]*database.Namespace),
		repos:   make(map[int64]*database.Repository),
		members: make(map[[2]int64]database.AccessLevel),
		refs:    make(map[refKey]*database.Reference),
		locks:   make(map[string]bool),
	}
}

func (d *fakeDB) next() int64 {
	d.seq++
	return d.seq
}

func (d *fakeDB) Database() *sql.DB { return nil }

func (d *fakeDB) FindUser(ctx context.Context, uid int64) (*database.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[uid]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (d *fakeDB) SearchUser(ctx context.Context, emailOrName string) (*database.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.UserName == emailOrName || u.Email == emailOrName {
			cp := *u
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (d *fakeDB) NewUser(ctx context.Context, u *database.User) (*database.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	cp.ID = d.next()
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	d.users[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (d *fakeDB) SearchKey(ctx context.Context, fingerprint string) (*database.Key, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range d.keys {
		if k.Fingerprint == fingerprint {
			cp := *k
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (d *fakeDB) FindKey(ctx context.Context, id int64) (*database.Key, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.keys[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *k
	return &cp, nil
}

func (d *fakeDB) AddKey(ctx context.Context, k *database.Key) (*database.Key, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *k
	cp.ID = d.next()
	d.keys[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (d *fakeDB) IsDeployKeyEnabled(ctx context.Context, rid int64, kid int64) (bool, error) {
	return false, nil
}

func (d *fakeDB) AddMember(ctx context.Context, m *database.Member) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[[2]int64{m.UID, m.SourceID}] = m.AccessLevel
	return nil
}

func (d *fakeDB) GroupAccessLevel(ctx context.Context, namespaceID int64, u *database.User) (database.AccessLevel, error) {
	return database.NoneAccess, nil
}

func (d *fakeDB) RepoAccessLevel(ctx context.Context, r *database.Repository, u *database.User) (database.AccessLevel, database.AccessLevel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return database.NoneAccess, d.members[[2]int64{u.ID, r.ID}], nil
}

func (d *fakeDB) FindNamespaceByID(ctx context.Context, namespaceID int64) (*database.Namespace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, ok := d.nss[namespaceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *ns
	return &cp, nil
}

func (d *fakeDB) FindNamespaceByPath(ctx context.Context, namespacePath string) (*database.Namespace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ns := range d.nss {
		if ns.Path == namespacePath {
			cp := *ns
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (d *fakeDB) NewGroupNamespace(ctx context.Context, ns *database.Namespace) (*database.Namespace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *ns
	cp.ID = d.next()
	cp.Type = database.GroupNamespace
	d.nss[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (d *fakeDB) FindRepositoryByID(ctx context.Context, rid int64) (*database.Namespace, *database.Repository, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.repos[rid]
	if !ok {
		return nil, nil, sql.ErrNoRows
	}
	ns, ok := d.nss[r.NamespaceID]
	if !ok {
		return nil, nil, sql.ErrNoRows
	}
	nsCopy, rCopy := *ns, *r
	return &nsCopy, &rCopy, nil
}

func (d *fakeDB) FindRepositoryByPath(ctx context.Context, namespacePath, repoPath string) (*database.Namespace, *database.Repository, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ns := range d.nss {
		if ns.Path != namespacePath {
			continue
		}
		for _, r := range d.repos {
			if r.NamespaceID == ns.ID && r.Path == repoPath {
				nsCopy, rCopy := *ns, *r
				return &nsCopy, &rCopy, nil
			}
		}
	}
	return nil, nil, sql.ErrNoRows
}

func (d *fakeDB) NewRepository(ctx context.Context, r *database.Repository) (*database.Repository, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *r
	cp.ID = d.next()
	d.repos[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (d *fakeDB) FindReference(ctx context.Context, rid int64, name plumbing.ReferenceName) (*database.Reference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, ok := d.refs[refKey{rid, name}]
	if !ok {
		return nil, &database.ErrRevisionNotFound{Revision: string(name)}
	}
	cp := *ref
	return &cp, nil
}

func (d *fakeDB) ListReferences(ctx context.Context, rid int64, prefix string) ([]*database.Reference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*database.Reference
	for key, ref := range d.refs {
		if key.rid != rid {
			continue
		}
		if prefix != "" && !strings.HasPrefix(string(key.name), prefix) {
			continue
		}
		cp := *ref
		out = append(out, &cp)
	}
	return out, nil
}

func (d *fakeDB) UpsertSymbolicReference(ctx context.Context, rid int64, name, target plumbing.ReferenceName) (*database.Reference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref := &database.Reference{ID: d.next(), RID: rid, Name: name, Target: string(target), Kind: database.SymbolicRef}
	d.refs[refKey{rid, name}] = ref
	cp := *ref
	return &cp, nil
}

func (d *fakeDB) apply(cmd *database.Command) (*database.Reference, error) {
	key := refKey{cmd.RID, cmd.ReferenceName}
	current, exists := d.refs[key]
	switch {
	case cmd.IsCreate():
		if exists {
			return nil, &database.ErrAlreadyLocked{Reference: string(cmd.ReferenceName)}
		}
		ref := &database.Reference{ID: d.next(), RID: cmd.RID, Name: cmd.ReferenceName, Target: cmd.NewRev, Kind: database.DirectRef}
		d.refs[key] = ref
		cp := *ref
		return &cp, nil
	case cmd.IsDelete():
		if !exists {
			return nil, &database.ErrRevisionNotFound{Revision: string(cmd.ReferenceName)}
		}
		if current.Target != cmd.OldRev {
			return nil, &database.ErrAlreadyLocked{Reference: string(cmd.ReferenceName)}
		}
		delete(d.refs, key)
		return nil, nil
	}
	if !exists {
		return nil, &database.ErrRevisionNotFound{Revision: string(cmd.ReferenceName)}
	}
	if current.Target != cmd.OldRev {
		return nil, &database.ErrAlreadyLocked{Reference: string(cmd.ReferenceName)}
	}
	current.Target = cmd.NewRev
	cp := *current
	return &cp, nil
}

func (d *fakeDB) DoReferenceUpdate(ctx context.Context, cmd *database.Command) (*database.Reference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apply(cmd)
}

func (d *fakeDB) DoReferenceUpdates(ctx context.Context, cmds []*database.Command, atomic bool) ([]*database.UpdateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	results := make([]*database.UpdateResult, 0, len(cmds))
	if !atomic {
		for _, cmd := range cmds {
			ref, err := d.apply(cmd)
			results = append(results, &database.UpdateResult{Command: cmd, Reference: ref, Err: err})
		}
		return results, nil
	}
	snapshot := make(map[refKey]*database.Reference, len(d.refs))
	for key, ref := range d.refs {
		cp := *ref
		snapshot[key] = &cp
	}
	for i, cmd := range cmds {
		ref, err := d.apply(cmd)
		if err != nil {
			d.refs = snapshot
			results = results[:0]
			for j, peer := range cmds {
				if j == i {
					results = append(results, &database.UpdateResult{Command: peer, Err: err})
					continue
				}
				results = append(results, &database.UpdateResult{Command: peer, Err: database.ErrAtomicAborted})
			}
			return results, err
		}
		results = append(results, &database.UpdateResult{Command: cmd, Reference: ref})
	}
	return results, nil
}

func (d *fakeDB) AcquireLock(ctx context.Context, name string, timeout time.Duration) (database.Lock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks[name] {
		return nil, &database.ErrLockTimeout{Name: name}
	}
	d.locks[name] = true
	return &fakeLock{name: name, release: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.locks, name)
	}}, nil
}

func (d *fakeDB) Close() error { return nil }

var _ database.DB = &fakeDB{}

type testEnv struct {
	srv     *Server
	db      *fakeDB
	alice   *database.User // owner of acme/widgets
	bob     *database.User // reporter on acme/widgets
	root    *database.User // administrator
	widgets *database.Repository
	site    *database.Repository
}

func (e *testEnv) addUser(t *testing.T, name, password string, admin bool) *database.User {
	t.Helper()
	hash, err := argon2id.CreateHash(password, testHashParams)
	require.NoError(t, err)
	u, err := e.db.NewUser(context.Background(), &database.User{
		UserName:       name,
		Name:           name,
		Email:          name + "@keel.io",
		Administrator:  admin,
		Password:       hash,
		SignatureToken: name + "-signature-token",
	})
	require.NoError(t, err)
	return u
}

// newTestEnv stands up a server over an in-memory database and an
// on-disk object store: one private repository to push into, one seeded
// public repository to fetch from.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newFakeDB()
	hub, err := repo.NewRepositories(context.Background(), &repo.Options{
		Root:  t.TempDir(),
		DB:    db,
		Agent: "keel/test",
		Cache: &serve.Cache{NumCounters: 10000, MaxCost: 1, BufferItems: 64},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close() })
	srv := &Server{
		ServerConfig: &ServerConfig{},
		srv:          &http.Server{},
		db:           db,
		hub:          hub,
		serverName:   "keel/test",
	}
	require.NoError(t, srv.initialize())

	env := &testEnv{srv: srv, db: db}
	env.alice = env.addUser(t, "alice", "correct horse", false)
	env.bob = env.addUser(t, "bob", "battery staple", false)
	env.root = env.addUser(t, "root", "open sesame", true)

	ns := &database.Namespace{ID: db.next(), Path: "acme", Name: "acme", Type: database.GroupNamespace}
	db.nss[ns.ID] = ns

	env.widgets, err = hub.New(context.Background(), &database.Repository{
		NamespaceID:  ns.ID,
		Path:         "widgets",
		VisibleLevel: database.PrivateRepository,
	}, env.alice, true)
	require.NoError(t, err)
	require.NoError(t, db.AddMember(context.Background(), &database.Member{
		UID:         env.bob.ID,
		AccessLevel: database.ReporterAccess,
		SourceID:    env.widgets.ID,
		SourceType:  database.ProjectMember,
	}))

	env.site, err = hub.New(context.Background(), &database.Repository{
		NamespaceID:  ns.ID,
		Path:         "site",
		VisibleLevel: database.PublicRepository,
	}, env.root, false)
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, body)
	for _, mod := range mods {
		mod(r)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, r)
	return w
}

func asUser(u, password string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(u, password) }
}

func withHeader(key, value string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// readAdvertisement splits the smart info/refs body into the service
// banner and the ref lines.
func readAdvertisement(t *testing.T, reader io.Reader) (string, []string) {
	t.Helper()
	s := pktline.NewScanner(reader)
	require.True(t, s.Scan())
	banner := string(s.Bytes())
	require.True(t, s.Scan())
	require.Equal(t, pktline.FlushPacket, s.Kind())
	var lines []string
	for s.Scan() {
		if s.Kind() != pktline.DataPacket {
			break
		}
		lines = append(lines, string(s.Bytes()))
	}
	require.NoError(t, s.Err())
	return banner, lines
}

func TestInfoRefsRejectsUnknownService(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/acme/site/info/refs", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "GET", "/acme/site/info/refs?service=git-annex", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInfoRefsAnonymousPublicRepository(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/acme/site/info/refs?service=git-upload-pack", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-git-upload-pack-advertisement", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	banner, lines := readAdvertisement(t, w.Body)
	assert.Equal(t, "# service=git-upload-pack\n", banner)
	require.NotEmpty(t, lines)
	head, caps, ok := strings.Cut(strings.TrimSuffix(lines[0], "\n"), "\x00")
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(head, " HEAD"), "first line advertises HEAD: %q", head)
	assert.Contains(t, caps, "side-band-64k")
	assert.Contains(t, caps, "agent=keel/test")
	assert.NotContains(t, caps, "report-status")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[1], " refs/heads/main\n"))
}

func TestInfoRefsDotGitSuffix(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/acme/site.git/info/refs?service=git-upload-pack", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInfoRefsChallengesAnonymous(t *testing.T) {
	env := newTestEnv(t)

	// private repository
	w := env.do(t, "GET", "/acme/widgets/info/refs?service=git-upload-pack", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="Git Repository"`, w.Header().Get("WWW-Authenticate"))

	// pushes always need credentials, even on public repositories
	w = env.do(t, "GET", "/acme/site/info/refs?service=git-receive-pack", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="Git Repository"`, w.Header().Get("WWW-Authenticate"))

	// a repository that does not exist is challenged, not revealed
	w = env.do(t, "GET", "/acme/vault/info/refs?service=git-upload-pack", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInfoRefsBasicAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/acme/widgets/info/refs?service=git-upload-pack", nil, asUser("alice", "correct horse"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/acme/widgets/info/refs?service=git-upload-pack", nil, asUser("alice", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, "GET", "/acme/widgets/info/refs?service=git-upload-pack", nil, asUser("nobody", "whatever"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInfoRefsReceivePackNeedsWriteAccess(t *testing.T) {
	env := newTestEnv(t)

	// bob is a reporter: fetch allowed, push forbidden
	w := env.do(t, "GET", "/acme/widgets/info/refs?service=git-upload-pack", nil, asUser("bob", "battery staple"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/acme/widgets/info/refs?service=git-receive-pack", nil, asUser("bob", "battery staple"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInfoRefsEmptyRepository(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/acme/widgets/info/refs?service=git-upload-pack", nil, asUser("alice", "correct horse"))
	require.Equal(t, http.StatusOK, w.Code)
	_, lines := readAdvertisement(t, w.Body)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], plumbing.ZERO_OID+" capabilities^{}\x00"))
}

func TestUploadPackWrongContentType(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/acme/site/git-upload-pack", strings.NewReader("0000"),
		withHeader("Content-Type", "text/plain"))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestUploadPackMalformedRequest(t *testing.T) {
	env := newTestEnv(t)
	var body bytes.Buffer
	enc := pktline.NewEncoder(&body)
	require.NoError(t, enc.EncodeString("grab everything\n"))
	require.NoError(t, enc.Flush())
	w := env.do(t, "POST", "/acme/site/git-upload-pack", &body,
		withHeader("Content-Type", "application/x-git-upload-pack-request"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

var testSig = object.Signature{Name: "dev", Email: "dev@keel.io", When: time.Unix(1735689600, 0)}

type packEntry struct {
	kind plumbing.ObjectType
	data []byte
}

type wireEncoder interface {
	Encode(w io.Writer) error
}

func encodeObject(t *testing.T, e wireEncoder) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, e.Encode(&b))
	return b.Bytes()
}

func newCommitEntries(t *testing.T, path, content, message string, parents ...plumbing.Hash) ([]packEntry, plumbing.Hash) {
	t.Helper()
	blob := []byte(content)
	blobID := plumbing.HashObject(plumbing.BlobObject, blob)
	tree := encodeObject(t, &object.Tree{Entries: []*object.TreeEntry{
		{Name: path, Mode: filemode.Regular, Hash: blobID},
	}})
	treeID := plumbing.HashObject(plumbing.TreeObject, tree)
	commit := encodeObject(t, &object.Commit{Author: testSig, Committer: testSig, Tree: treeID, Parents: parents, Message: message})
	entries := []packEntry{
		{plumbing.BlobObject, blob},
		{plumbing.TreeObject, tree},
		{plumbing.CommitObject, commit},
	}
	return entries, plumbing.HashObject(plumbing.CommitObject, commit)
}

func packOf(t *testing.T, entries []packEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	pw := packfile.NewWriter(&buf, uint32(len(entries)))
	for _, e := range entries {
		require.NoError(t, pw.WriteObject(e.kind, e.data))
	}
	require.NoError(t, pw.Close())
	return buf.Bytes()
}

func receivePackBody(t *testing.T, caps string, pack []byte, lines ...string) *bytes.Buffer {
	t.Helper()
	var body bytes.Buffer
	enc := pktline.NewEncoder(&body)
	for i, line := range lines {
		if i == 0 {
			require.NoError(t, enc.Encodef("%s\x00%s\n", line, caps))
			continue
		}
		require.NoError(t, enc.EncodeString(line+"\n"))
	}
	require.NoError(t, enc.Flush())
	body.Write(pack)
	return &body
}

func uploadPackBody(t *testing.T, want plumbing.Hash) *bytes.Buffer {
	t.Helper()
	var body bytes.Buffer
	enc := pktline.NewEncoder(&body)
	require.NoError(t, enc.Encodef("want %s agent=git/2.43.0\n", want))
	require.NoError(t, enc.Flush())
	require.NoError(t, enc.EncodeString("done\n"))
	return &body
}

func readReport(t *testing.T, reader io.Reader) []string {
	t.Helper()
	s := pktline.NewScanner(reader)
	var lines []string
	for s.Scan() {
		if s.Kind() != pktline.DataPacket {
			break
		}
		lines = append(lines, string(s.Bytes()))
	}
	require.NoError(t, s.Err())
	return lines
}

func TestPushThenFetchRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	entries, tip := newCommitEntries(t, "main.go", "package main\n", "feat: keel\n")

	body := receivePackBody(t, "report-status", packOf(t, entries),
		fmt.Sprintf("%s %s %s", plumbing.ZeroHash, tip, "refs/heads/main"))
	w := env.do(t, "POST", "/acme/widgets/git-receive-pack", body,
		asUser("alice", "correct horse"),
		withHeader("Content-Type", "application/x-git-receive-pack-request"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-git-receive-pack-result", w.Header().Get("Content-Type"))
	require.Equal(t, []string{"unpack ok\n", "ok refs/heads/main\n"}, readReport(t, w.Body))

	// the new branch shows up in the advertisement
	w = env.do(t, "GET", "/acme/widgets/info/refs?service=git-upload-pack", nil, asUser("alice", "correct horse"))
	require.Equal(t, http.StatusOK, w.Code)
	_, lines := readAdvertisement(t, w.Body)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], tip.String())

	// and the objects come back over upload-pack
	w = env.do(t, "POST", "/acme/widgets/git-upload-pack", uploadPackBody(t, tip),
		asUser("alice", "correct horse"),
		withHeader("Content-Type", "application/x-git-upload-pack-request"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-git-upload-pack-result", w.Header().Get("Content-Type"))

	s := pktline.NewScanner(w.Body)
	require.True(t, s.Scan())
	assert.Equal(t, "NAK\n", string(s.Bytes()))
	var pack bytes.Buffer
	for s.Scan() {
		if s.Kind() != pktline.DataPacket {
			break
		}
		pack.Write(s.Bytes())
	}
	require.NoError(t, s.Err())

	store, err := odb.NewODB(99, t.TempDir())
	require.NoError(t, err)
	defer store.Close() // nolint
	stats, err := packfile.NewParser(packfile.NewScanner(&pack), store).Parse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), stats.Objects)
	ok, err := store.Has(context.Background(), tip)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReceivePackGzipBody(t *testing.T) {
	env := newTestEnv(t)
	entries, tip := newCommitEntries(t, "README.md", "# widgets\n", "docs: readme\n")

	plain := receivePackBody(t, "report-status", packOf(t, entries),
		fmt.Sprintf("%s %s %s", plumbing.ZeroHash, tip, "refs/heads/main"))
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write(plain.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	w := env.do(t, "POST", "/acme/widgets/git-receive-pack", &compressed,
		asUser("alice", "correct horse"),
		withHeader("Content-Type", "application/x-git-receive-pack-request"),
		withHeader("Content-Encoding", "gzip"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"unpack ok\n", "ok refs/heads/main\n"}, readReport(t, w.Body))
}

func TestReceivePackForbiddenForReporter(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/acme/widgets/git-receive-pack", strings.NewReader("0000"),
		asUser("bob", "battery staple"),
		withHeader("Content-Type", "application/x-git-receive-pack-request"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestShareAuthorizationBearerFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/acme/widgets/authorization",
		strings.NewReader(`{"operation":"download"}`), asUser("alice", "correct horse"))
	require.Equal(t, http.StatusOK, w.Code)
	var payload protocol.SASPayload
	require.NoError(t, json.NewDecoder(w.Body).Decode(&payload))
	require.True(t, strings.HasPrefix(payload.Header.Authorization, BearerPrefix))
	assert.True(t, payload.ExpiresAt.After(time.Now()))

	// the token stands in for the password on fetch
	w = env.do(t, "GET", "/acme/widgets/info/refs?service=git-upload-pack", nil,
		withHeader(AUTHORIZATION, payload.Header.Authorization))
	assert.Equal(t, http.StatusOK, w.Code)

	// but a download token cannot push
	w = env.do(t, "POST", "/acme/widgets/git-receive-pack", strings.NewReader("0000"),
		withHeader(AUTHORIZATION, payload.Header.Authorization),
		withHeader("Content-Type", "application/x-git-receive-pack-request"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// and a forged token is rejected
	w = env.do(t, "GET", "/acme/widgets/info/refs?service=git-upload-pack", nil,
		withHeader(AUTHORIZATION, payload.Header.Authorization+"tampered"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestManagementCreateUser(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/users",
		strings.NewReader(`{"username":"carol","password":"pass12345","email":"carol@keel.io"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var u database.User
	require.NoError(t, json.NewDecoder(w.Body).Decode(&u))
	assert.NotZero(t, u.ID)
	assert.Equal(t, "carol", u.UserName)

	w = env.do(t, "POST", "/api/v1/users", strings.NewReader(`{"username":"","password":""}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestManagementCreateRepositoryRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	body := `{"path":"tools","namespace_path":"acme","username":"alice","visible_level":20}`

	w := env.do(t, "POST", "/api/v1/repositories", strings.NewReader(body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, "POST", "/api/v1/repositories", strings.NewReader(body), asUser("alice", "correct horse"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "POST", "/api/v1/repositories", strings.NewReader(body), asUser("root", "open sesame"))
	require.Equal(t, http.StatusOK, w.Code)
	var created database.Repository
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, "main", created.DefaultBranch)

	// the fresh repository is public and seeded, anonymous fetch works
	w = env.do(t, "GET", "/acme/tools/info/refs?service=git-upload-pack", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, lines := readAdvertisement(t, w.Body)
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[1], " refs/heads/main\n"))
}

func TestManagementAddKey(t *testing.T) {
	env := newTestEnv(t)
	const pub = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIF9Wn63tLEhSWl9Ye+4x2GnruH8cq0LIh2vum/fUHrFQ carol@laptop"

	w := env.do(t, "POST", "/api/v1/keys",
		strings.NewReader(fmt.Sprintf(`{"username":"alice","title":"laptop","content":%q}`, pub)))
	require.Equal(t, http.StatusOK, w.Code)
	var k database.Key
	require.NoError(t, json.NewDecoder(w.Body).Decode(&k))
	assert.True(t, strings.HasPrefix(k.Fingerprint, "SHA256:"))
	assert.Equal(t, database.BasicKey, k.Type)

	w = env.do(t, "POST", "/api/v1/keys",
		strings.NewReader(`{"username":"alice","title":"broken","content":"not a key"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
