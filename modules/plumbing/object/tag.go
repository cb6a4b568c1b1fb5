// Copyright 2018 Sourced Technologies, S.L.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"fmt"
	"io"
	"strings"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/streamio"
)

type Tag struct {
	Hash       plumbing.Hash       `json:"hash"`
	Object     plumbing.Hash       `json:"object"`
	ObjectType plumbing.ObjectType `json:"type"`
	Name       string              `json:"name"`
	Tagger     Signature           `json:"tagger"`

	Content string `json:"content"`
}

// https://git-scm.com/docs/signature-format
// https://github.blog/changelog/2022-08-23-ssh-commit-verification-now-supported/
func (t *Tag) Extract() (message string, signature string) {
	if i := strings.Index(t.Content, "-----BEGIN"); i > 0 {
		return t.Content[:i], t.Content[i:]
	}
	return t.Content, ""
}

func (t *Tag) Message() string {
	m, _ := t.Extract()
	return m
}

// Decode parses the uncompressed content of an annotated tag. If any
// error was encountered along the way it will be returned, and the
// receiving *Tag is considered invalid.
func (t *Tag) Decode(reader Reader) error {
	if reader.Type() != plumbing.TagObject {
		return ErrUnsupportedObject
	}
	br := streamio.GetBufioReader(reader)
	defer streamio.PutBufioReader(br)
	t.Hash = reader.Hash()
	var (
		finishedHeaders bool
	)

	var message strings.Builder

	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return readErr
		}

		if finishedHeaders {
			message.WriteString(line)
		} else {
			text := strings.TrimSuffix(line, "\n")
			if len(text) == 0 {
				finishedHeaders = true
				continue
			}

			field, value, ok := strings.Cut(text, " ")
			if !ok {
				return fmt.Errorf("keel: invalid tag header: %s", text)
			}

			switch field {
			case "object":
				oid, err := plumbing.NewHashEx(value)
				if err != nil {
					return err
				}
				t.Object = oid
			case "type":
				kind, err := plumbing.ParseObjectType(value)
				if err != nil {
					return err
				}
				t.ObjectType = kind
			case "tag":
				t.Name = value
			case "tagger":
				t.Tagger.Decode([]byte(value))
			default:
				return fmt.Errorf("keel: unknown tag header: %s", field)
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	t.Content = message.String()

	return nil
}

// Encode writes the tag in the git object format. If there was any
// error copying the tag's contents, that error will be returned.
func (t *Tag) Encode(w io.Writer) error {
	headers := []string{
		fmt.Sprintf("object %s", t.Object),
		fmt.Sprintf("type %s", t.ObjectType),
		fmt.Sprintf("tag %s", t.Name),
		fmt.Sprintf("tagger %s", t.Tagger.String()),
	}

	_, err := fmt.Fprintf(w, "%s\n\n%s", strings.Join(headers, "\n"), t.Content)
	return err
}
