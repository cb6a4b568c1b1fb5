// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"regexp"
	"strings"
	"time"

	"github.com/keelscm/keel/modules/plumbing"
)

const (
	DefaultBranch = "main"
	DeletedSuffix = ".deleted"
	Dot           = "."
	DotDot        = ".."
)

// UserType defines the user type
type UserType int //revive:disable-line:exported

const (
	// UserTypeIndividual defines an individual user
	UserTypeIndividual UserType = iota

	// UserTypeBot defines a bot user
	UserTypeBot

	// UserTypeRemoteUser defines a remote user for federated users
	UserTypeRemoteUser
)

type User struct {
	ID             int64     `json:"id"`
	UserName       string    `json:"username"`
	Name           string    `json:"name"`
	Administrator  bool      `json:"administrator"`
	Email          string    `json:"email"`
	Type           UserType  `json:"type"`
	LockedAt       time.Time `json:"locked_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Password       string    `json:"-"`
	SignatureToken string    `json:"-"`
}

func (u *User) Guard() {
	u.Password = ""
}

// RefKind mirrors the kind column of the refs table.
type RefKind int8

const (
	DirectRef   RefKind = 0
	SymbolicRef RefKind = 1
)

func (k RefKind) String() string {
	if k == SymbolicRef {
		return "symbolic"
	}
	return "direct"
}

// Reference is one row of the refs table. Target holds a 40-hex object id
// for direct refs and a full reference name for symbolic ones.
type Reference struct {
	ID        int64                  `json:"id"`
	RID       int64                  `json:"rid"`
	Name      plumbing.ReferenceName `json:"name"`
	Target    string                 `json:"target"`
	Kind      RefKind                `json:"kind"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Unwrap converts the row into its plumbing form.
func (r *Reference) Unwrap() *plumbing.Reference {
	if r.Kind == SymbolicRef {
		return plumbing.NewSymbolicReference(r.Name, plumbing.ReferenceName(r.Target))
	}
	return plumbing.NewHashReference(r.Name, plumbing.NewHash(r.Target))
}

// Command is one compare-and-swap mutation of a direct ref. A zero OldRev
// requires absence, a zero NewRev deletes, anything else swaps OldRev for
// NewRev under the uniqueness guard of the refs table.
type Command struct {
	ReferenceName plumbing.ReferenceName `json:"reference_name"`
	OldRev        string                 `json:"old_rev"`
	NewRev        string                 `json:"new_rev"`
	RID           int64                  `json:"rid"`
	UID           int64                  `json:"uid"`
}

func (c *Command) IsCreate() bool {
	return c.OldRev == plumbing.ZERO_OID
}

func (c *Command) IsDelete() bool {
	return c.NewRev == plumbing.ZERO_OID
}

// UpdateResult pairs one command of a batch with its outcome. Reference is
// the post-apply row, nil after a delete or a failure.
type UpdateResult struct {
	Command   *Command   `json:"command"`
	Reference *Reference `json:"reference,omitempty"`
	Err       error      `json:"-"`
}

var (
	// GOLANG not support PCRE
	pathRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_\.]*$`)
)

func validatePath(p string) bool {
	return p != Dot && p != DotDot && !strings.HasSuffix(p, DeletedSuffix) && pathRegex.MatchString(p)
}

const (
	PrivateNamespace = 0
	GroupNamespace   = 1
)

type Namespace struct {
	ID          int64
	Path        string
	Name        string
	Owner       int64
	Type        int // 0-personal, 1-group
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	PrivateRepository   = 0
	InternalRepository  = 10
	PublicRepository    = 20
	AnonymousRepository = 30
)

type Repository struct {
	ID            int64     `json:"id"`
	NamespaceID   int64     `json:"namespace_id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Description   string    `json:"description"`
	VisibleLevel  int       `json:"visible_level"` //	0-private, 20-public, 30-anonymous
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (r *Repository) IsPublic() bool {
	return r.VisibleLevel == PublicRepository
}

func (r *Repository) IsInternal() bool {
	return r.VisibleLevel == InternalRepository
}

func (r *Repository) Validate() error {
	if !validatePath(r.Path) {
		return &ErrNamingRule{name: r.Path}
	}
	if len(r.Name) == 0 {
		r.Name = r.Path
	}
	if len(r.DefaultBranch) == 0 {
		r.DefaultBranch = DefaultBranch
	}
	return nil
}

type KeyType int

func (t KeyType) String() string {
	switch t {
	case BasicKey:
		return "BasicKey"
	case DeployKey:
		return "DeployKey"
	}
	return "UnknownKey"
}

const (
	BasicKey KeyType = iota
	DeployKey
)

type Key struct {
	ID          int64     `json:"id"`
	UID         int64     `json:"uid"`
	Content     string    `json:"content"`
	Title       string    `json:"title"`
	Type        KeyType   `json:"type"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type MemberType int

const (
	ProjectMember MemberType = 2
	GroupMember   MemberType = 3
)

type Member struct {
	ID          int64       `json:"id"`
	UID         int64       `json:"uid"`
	AccessLevel AccessLevel `json:"access_level"`
	SourceID    int64       `json:"source_id"`
	SourceType  MemberType  `json:"source_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
