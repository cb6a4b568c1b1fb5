// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
)

func TestPatternMatching(t *testing.T) {
	cases := []struct {
		pattern string
		ref     string
		want    bool
	}{
		{"refs/heads/main", "refs/heads/main", true},
		{"refs/heads/main", "refs/heads/main2", false},
		{"refs/heads/main", "refs/heads/mai", false},

		{"refs/heads/*", "refs/heads/main", true},
		{"refs/heads/*", "refs/heads/feature/x", false}, // * stays in one segment
		{"refs/heads/*", "refs/tags/v1", false},

		{"refs/heads/**", "refs/heads/main", true},
		{"refs/heads/**", "refs/heads/feature/x", true},
		{"**", "refs/anything/at/all", true},

		{"refs/heads/release-?", "refs/heads/release-1", true},
		{"refs/heads/release-?", "refs/heads/release-10", false},
		{"refs/heads/release-?", "refs/heads/release-", false},
		{"refs/?/main", "refs/x/main", true},
		{"refs/?/main", "refs/xy/main", false},

		{"refs/tags/v*", "refs/tags/v1.2.3", true},
		{"refs/tags/v*", "refs/tags/x1", false},

		// Literal runes are quoted, a dot is not a regexp dot.
		{"refs/heads/v1.0", "refs/heads/v1.0", true},
		{"refs/heads/v1.0", "refs/heads/v1x0", false},
	}
	for _, c := range cases {
		rule, err := compileRule(Rule{Pattern: c.pattern})
		require.NoError(t, err, c.pattern)
		assert.Equal(t, c.want, rule.matches(c.ref), "%s vs %s", c.pattern, c.ref)
	}
}

func TestCompileRejectsEmptyPattern(t *testing.T) {
	_, err := compileRule(Rule{})
	assert.Error(t, err)
}

func TestPatternScore(t *testing.T) {
	// A longer literal pattern outranks a shorter one, and wildcards
	// cost: ** much more than *.
	assert.Greater(t, patternScore("refs/heads/release-1"), patternScore("refs/heads/*"))
	assert.Greater(t, patternScore("refs/heads/*"), patternScore("refs/**"))
	assert.Greater(t, patternScore("refs/heads/v*"), patternScore("refs/heads/**"))
}

func TestEngineSelection(t *testing.T) {
	e, err := NewEngine(
		Rule{Pattern: "refs/**", CustomMessage: "everything"},
		Rule{Pattern: "refs/heads/*", CustomMessage: "branches"},
		Rule{Pattern: "refs/heads/main", CustomMessage: "main"},
	)
	require.NoError(t, err)

	pick := func(ref string) string {
		r, ok := e.Match(plumbing.ReferenceName(ref))
		require.True(t, ok, ref)
		return r.CustomMessage
	}
	assert.Equal(t, "main", pick("refs/heads/main"))          // exact wins
	assert.Equal(t, "branches", pick("refs/heads/dev"))       // higher score wins
	assert.Equal(t, "everything", pick("refs/tags/v1"))       // only ** matches
	assert.Equal(t, "everything", pick("refs/heads/wip/own")) // * cannot cross the slash
}

func TestEngineSelectionTieKeepsFirst(t *testing.T) {
	e, err := NewEngine(
		Rule{Pattern: "refs/heads/*", CustomMessage: "first"},
		Rule{Pattern: "refs/heads/*", CustomMessage: "second"},
	)
	require.NoError(t, err)
	r, ok := e.Match(plumbing.ReferenceName("refs/heads/main"))
	require.True(t, ok)
	assert.Equal(t, "first", r.CustomMessage)
}

func TestEngineDefaultRule(t *testing.T) {
	e, err := NewEngine(Rule{Pattern: "refs/heads/main", LockBranch: true})
	require.NoError(t, err)

	_, ok := e.Match(plumbing.ReferenceName("refs/tags/v1"))
	assert.False(t, ok)

	require.NoError(t, e.SetDefault(Rule{BlockDeletion: true}))
	r, ok := e.Match(plumbing.ReferenceName("refs/tags/v1"))
	require.True(t, ok)
	assert.True(t, r.BlockDeletion)
	assert.False(t, r.LockBranch)

	// Registered rules still shadow the default.
	r, ok = e.Match(plumbing.ReferenceName("refs/heads/main"))
	require.True(t, ok)
	assert.True(t, r.LockBranch)
}
