// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package protect evaluates branch protection rules against incoming
// ref updates. Rules select refs by glob pattern; the most specific
// matching rule decides, and a configurable default covers the rest.
package protect

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Rule is one protection policy. Patterns use ref globs: `**` crosses
// slashes, `*` stays within one path segment, `?` matches a single
// rune. All other runes match literally.
type Rule struct {
	Pattern                       string   `toml:"pattern"`
	BlockForcePush                bool     `toml:"block_force_push,omitempty"`
	BlockDeletion                 bool     `toml:"block_deletion,omitempty"`
	LockBranch                    bool     `toml:"lock_branch,omitempty"`
	RequireLinearHistory          bool     `toml:"require_linear_history,omitempty"`
	RequiredReviews               int      `toml:"required_reviews,omitempty"`
	RequireSignedCommits          bool     `toml:"require_signed_commits,omitempty"`
	RequiredStatusChecks          []string `toml:"required_status_checks,omitempty"`
	RequireUpToDate               bool     `toml:"require_up_to_date,omitempty"`
	RequireConversationResolution bool     `toml:"require_conversation_resolution,omitempty"`
	BypassUsers                   []string `toml:"bypass_users,omitempty"`
	BypassTeams                   []string `toml:"bypass_teams,omitempty"`
	BypassAdmins                  bool     `toml:"bypass_admins,omitempty"`
	CustomMessage                 string   `toml:"custom_message,omitempty"`
}

// compiled pairs a rule with its pattern machinery; built once at
// registration so matching never recompiles.
type compiled struct {
	Rule
	re    *regexp.Regexp
	exact bool
	score int
}

func compileRule(r Rule) (*compiled, error) {
	re, err := compilePattern(r.Pattern)
	if err != nil {
		return nil, err
	}
	return &compiled{
		Rule:  r,
		re:    re,
		exact: !strings.ContainsAny(r.Pattern, "*?"),
		score: patternScore(r.Pattern),
	}, nil
}

func (c *compiled) matches(name string) bool {
	if c.exact {
		return c.Pattern == name
	}
	return c.re.MatchString(name)
}

// reject produces the client-facing refusal. CustomMessage, when set,
// replaces the builtin reason wholesale.
func (c *compiled) reject(reason string) error {
	if c.CustomMessage != "" {
		reason = c.CustomMessage
	}
	return &Rejection{Pattern: c.Pattern, Reason: reason}
}

// Rejection explains why a command was refused. Error() is exactly the
// reason line reported back to the pusher.
type Rejection struct {
	Pattern string
	Reason  string
}

func (e *Rejection) Error() string { return e.Reason }

func IsRejection(err error) bool {
	var re *Rejection
	return errors.As(err, &re)
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, errors.New("protect: empty pattern")
	}
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			b.WriteString("[^/]")
			i++
		default:
			r, size := utf8.DecodeRuneInString(pattern[i:])
			b.WriteString(regexp.QuoteMeta(string(r)))
			i += size
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("protect: pattern %q: %w", pattern, err)
	}
	return re, nil
}

// patternScore ranks patterns by specificity: longer patterns beat
// shorter ones and every wildcard costs, `**` far more than `*`.
func patternScore(pattern string) int {
	doubles := strings.Count(pattern, "**")
	singles := strings.Count(pattern, "*") - 2*doubles
	return len(pattern)*10 - (doubles*100 + singles*10)
}
