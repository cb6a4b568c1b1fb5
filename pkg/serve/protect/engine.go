// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protect

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/object"
	"github.com/keelscm/keel/pkg/serve/hook"
	"github.com/keelscm/keel/pkg/serve/odb"
	"github.com/keelscm/keel/pkg/serve/protocol"
)

// Actor is who is pushing, as far as bypass lists care.
type Actor struct {
	User  string
	Teams []string
	Admin bool
}

// Engine holds the compiled rules. Matching picks the most specific
// rule for a ref: an exact pattern always wins, otherwise the highest
// specificity score, registration order breaking ties. Refs no rule
// matches fall back to the default rule, which may be absent.
type Engine struct {
	mu       sync.RWMutex
	rules    []*compiled
	fallback *compiled
}

func NewEngine(rules ...Rule) (*Engine, error) {
	e := &Engine{}
	for _, r := range rules {
		if err := e.Register(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) Register(r Rule) error {
	c, err := compileRule(r)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = append(e.rules, c)
	e.mu.Unlock()
	return nil
}

// SetDefault installs the rule applied when nothing matches. The
// pattern is ignored for matching but kept for reporting.
func (e *Engine) SetDefault(r Rule) error {
	if r.Pattern == "" {
		r.Pattern = "**"
	}
	c, err := compileRule(r)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.fallback = c
	e.mu.Unlock()
	return nil
}

// Rules returns the registered rules in registration order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, c := range e.rules {
		out = append(out, c.Rule)
	}
	return out
}

// Match reports the rule that governs name, if any.
func (e *Engine) Match(name plumbing.ReferenceName) (Rule, bool) {
	if c := e.match(name); c != nil {
		return c.Rule, true
	}
	return Rule{}, false
}

func (e *Engine) match(name plumbing.ReferenceName) *compiled {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var best *compiled
	for _, c := range e.rules {
		if !c.matches(string(name)) {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if c.exact != best.exact {
			if c.exact {
				best = c
			}
			continue
		}
		if c.score > best.score {
			best = c
		}
	}
	if best == nil {
		return e.fallback
	}
	return best
}

// Evaluate runs the governing rule against one command. A nil return
// admits the command; a *Rejection carries the reason the pusher sees.
// db is the quarantine-backed object view of the push being decided.
func (e *Engine) Evaluate(ctx context.Context, db hook.Objects, actor Actor, cmd *protocol.Command) error {
	rule := e.match(cmd.RefName)
	if rule == nil {
		return nil
	}
	if rule.bypassed(actor) {
		return nil
	}
	if rule.LockBranch {
		return rule.reject(fmt.Sprintf("Cannot push to '%s': the branch is locked", cmd.RefName))
	}
	action := cmd.Action()
	if action == protocol.Delete {
		if rule.BlockDeletion {
			return rule.reject(fmt.Sprintf("Deletion of '%s' is not allowed", cmd.RefName))
		}
		// The remaining checks are about incoming commits; a deletion
		// has none.
		return nil
	}

	fastForward := true
	if action == protocol.Update {
		var err error
		fastForward, err = db.IsAncestor(ctx, cmd.OldRev, cmd.NewRev)
		if err != nil {
			return err
		}
	}
	if rule.BlockForcePush && !fastForward {
		return rule.reject(fmt.Sprintf("Force push is not allowed on '%s'", cmd.RefName))
	}
	if rule.RequiredReviews > 0 {
		return rule.reject(fmt.Sprintf("'%s' requires %d approving reviews; direct pushes are not accepted", cmd.RefName, rule.RequiredReviews))
	}
	if rule.RequireLinearHistory {
		if err := walkStaged(ctx, db, cmd.NewRev, func(cc *object.Commit) error {
			if len(cc.Parents) > 1 {
				return rule.reject(fmt.Sprintf("Merge commit %s is not allowed: '%s' requires a linear history", cc.Hash, cmd.RefName))
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if rule.RequireSignedCommits {
		if err := walkStaged(ctx, db, cmd.NewRev, func(cc *object.Commit) error {
			if !validSignature(cc.GPGSignature()) {
				return rule.reject(fmt.Sprintf("Commit %s must carry a valid signature", cc.Hash))
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if len(rule.RequiredStatusChecks) > 0 {
		return rule.reject(fmt.Sprintf("Required status checks have not passed: %s", strings.Join(rule.RequiredStatusChecks, ", ")))
	}
	if rule.RequireUpToDate && !fastForward {
		return rule.reject(fmt.Sprintf("'%s' is not up to date; fetch and merge before pushing", cmd.RefName))
	}
	if rule.RequireConversationResolution {
		return rule.reject(fmt.Sprintf("All conversations on '%s' must be resolved", cmd.RefName))
	}
	return nil
}

func (c *compiled) bypassed(actor Actor) bool {
	if c.BypassAdmins && actor.Admin {
		return true
	}
	if actor.User != "" && slices.Contains(c.BypassUsers, actor.User) {
		return true
	}
	for _, team := range actor.Teams {
		if slices.Contains(c.BypassTeams, team) {
			return true
		}
	}
	return false
}

// walkStaged visits the commits this push introduces: everything
// reachable from tip that is still quarantined. History the repository
// already holds was vetted when it arrived. A tip that is not a commit
// (an annotated tag, say) has no commits of its own to inspect.
func walkStaged(ctx context.Context, db hook.Objects, tip plumbing.Hash, visit func(*object.Commit) error) error {
	queue := []plumbing.Hash{tip}
	seen := make(map[plumbing.Hash]bool)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		oid := queue[0]
		queue = queue[1:]
		if oid.IsZero() || seen[oid] {
			continue
		}
		seen[oid] = true
		if !db.IsStaged(oid) {
			continue
		}
		cc, err := db.Commit(ctx, oid)
		if err != nil {
			if plumbing.IsNoSuchObject(err) || odb.IsErrMismatchedObjectType(err) {
				continue
			}
			return err
		}
		if err := visit(cc); err != nil {
			return err
		}
		queue = append(queue, cc.Parents...)
	}
	return nil
}

// validSignature structurally validates an ASCII armored detached
// signature: the armor must decode cleanly and declare a PGP signature
// block. Whether the key is trusted is a question for a higher layer.
func validSignature(sig string) bool {
	if sig == "" {
		return false
	}
	block, err := armor.Decode(strings.NewReader(sig))
	if err != nil {
		return false
	}
	if block.Type != openpgp.SignatureType {
		return false
	}
	if _, err := io.Copy(io.Discard, block.Body); err != nil {
		return false
	}
	return true
}
