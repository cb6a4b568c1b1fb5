// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package pathsec normalises and validates repository paths taken from
// request URLs and SSH exec lines before they touch the filesystem or
// the metadata database.
package pathsec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/keelscm/keel/modules/plumbing"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrPathTraversal = errors.New("path traversal attempt")
	ErrAbsolutePath  = errors.New("absolute path rejected")
	ErrEncodedPath   = errors.New("url encoded path element rejected")
	ErrInvalidPath   = errors.New("invalid repository path")
)

var repoPathPattern = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)

// lowercased url-encoded fragments that survive one or two decode passes
// of a traversal or separator. The router hands us decoded paths, so any
// remaining percent escape is an evasion attempt.
var encodedAttack = []string{"%2e", "%252e", "%2f", "%252f", "%5c", "%255c"}

// CleanRepositoryPath normalises a namespace/repo path and rejects
// anything that could escape the repository root: absolute paths, drive
// letters, UNC prefixes, dot-dot components, control characters and
// url-encoded variants thereof. One trailing ".git" suffix is dropped.
func CleanRepositoryPath(p string) (string, error) {
	if len(p) == 0 {
		return "", ErrInvalidPath
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character", ErrInvalidPath)
		}
	}
	lower := strings.ToLower(p)
	for _, frag := range encodedAttack {
		if strings.Contains(lower, frag) {
			return "", fmt.Errorf("%w: %q", ErrEncodedPath, frag)
		}
	}
	p = norm.NFC.String(p)
	if strings.HasPrefix(p, `\\`) {
		return "", fmt.Errorf("%w: unc path", ErrAbsolutePath)
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(p, "/") {
		return "", ErrAbsolutePath
	}
	if len(p) >= 2 && p[1] == ':' && isDriveLetter(p[0]) {
		return "", fmt.Errorf("%w: drive letter", ErrAbsolutePath)
	}
	parts := make([]string, 0, 8)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", ErrPathTraversal
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", ErrInvalidPath
	}
	last := strings.TrimSuffix(parts[len(parts)-1], ".git")
	if len(last) == 0 {
		return "", ErrInvalidPath
	}
	parts[len(parts)-1] = last
	cleaned := strings.Join(parts, "/")
	if !repoPathPattern.MatchString(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, cleaned)
	}
	return cleaned, nil
}

// ValidateRepositoryPath reports only the verdict of CleanRepositoryPath.
func ValidateRepositoryPath(p string) error {
	_, err := CleanRepositoryPath(p)
	return err
}

// ValidateRefName accepts HEAD and well-formed refs/... names.
func ValidateRefName(name string) bool {
	return plumbing.ValidateFullReferenceName([]byte(name))
}

func isDriveLetter(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
