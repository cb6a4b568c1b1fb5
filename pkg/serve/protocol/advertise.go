// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"io"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/format/pktline"
)

// AdvRef is one advertised reference. Peeled is non-nil for annotated
// tags and produces the extra "<peeled> <name>^{}" line.
type AdvRef struct {
	Name   string
	Hash   plumbing.Hash
	Peeled *plumbing.Hash
}

// WriteSmartPrelude writes the smart HTTP service banner:
// pkt("# service=<svc>\n") followed by FLUSH. SSH transports skip it.
func WriteSmartPrelude(w io.Writer, svc string) error {
	e := pktline.NewEncoder(w)
	if err := e.Encodef("# service=%s\n", svc); err != nil {
		return err
	}
	return e.Flush()
}

// WriteAdvertisement writes the v1 reference advertisement and the final
// FLUSH. An empty repository advertises the capability list on a null ref:
//
//	"<zero> capabilities^{}\0<caps>\n"
//
// Otherwise the first ref carries "\0<caps>" and the rest are plain, with
// peeled tag lines interleaved after their refs.
func WriteAdvertisement(w io.Writer, caps Caps, refs []AdvRef) error {
	e := pktline.NewEncoder(w)
	if len(refs) == 0 {
		if err := e.Encodef("%s capabilities^{}\x00%s\n", plumbing.ZERO_OID, caps.String()); err != nil {
			return err
		}
		return e.Flush()
	}
	for i, ref := range refs {
		if i == 0 {
			if err := e.Encodef("%s %s\x00%s\n", ref.Hash, ref.Name, caps.String()); err != nil {
				return err
			}
		} else if err := e.Encodef("%s %s\n", ref.Hash, ref.Name); err != nil {
			return err
		}
		if ref.Peeled != nil {
			if err := e.Encodef("%s %s^{}\n", *ref.Peeled, ref.Name); err != nil {
				return err
			}
		}
	}
	return e.Flush()
}
