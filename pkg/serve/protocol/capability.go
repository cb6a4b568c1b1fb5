// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"strings"
)

const (
	ObjectFormatSHA1 = "sha1"
)

// Caps is the protocol v1 capability record for one session: the tokens a
// peer advertised or echoed, split into the booleans this server understands
// plus the agent/object-format/push-cert value fields. Unknown tokens are
// dropped on parse.
type Caps struct {
	MultiAck                 bool
	MultiAckDetailed         bool
	ThinPack                 bool
	SideBand                 bool
	SideBand64k              bool
	OfsDelta                 bool
	Shallow                  bool
	DeepenSince              bool
	DeepenNot                bool
	DeepenRelative           bool
	NoProgress               bool
	IncludeTag               bool
	ReportStatus             bool
	ReportStatusV2           bool
	DeleteRefs               bool
	Quiet                    bool
	Atomic                   bool
	PushOptions              bool
	AllowTipSHA1InWant       bool
	AllowReachableSHA1InWant bool
	Filter                   bool
	Agent                    string
	ObjectFormat             string
	PushCert                 string
}

// ParseCaps folds a list of capability tokens into a Caps record.
func ParseCaps(tokens []string) Caps {
	var c Caps
	for _, tok := range tokens {
		switch tok {
		case "multi_ack":
			c.MultiAck = true
		case "multi_ack_detailed":
			c.MultiAckDetailed = true
		case "thin-pack":
			c.ThinPack = true
		case "side-band":
			c.SideBand = true
		case "side-band-64k":
			c.SideBand64k = true
		case "ofs-delta":
			c.OfsDelta = true
		case "shallow":
			c.Shallow = true
		case "deepen-since":
			c.DeepenSince = true
		case "deepen-not":
			c.DeepenNot = true
		case "deepen-relative":
			c.DeepenRelative = true
		case "no-progress":
			c.NoProgress = true
		case "include-tag":
			c.IncludeTag = true
		case "report-status":
			c.ReportStatus = true
		case "report-status-v2":
			c.ReportStatusV2 = true
		case "delete-refs":
			c.DeleteRefs = true
		case "quiet":
			c.Quiet = true
		case "atomic":
			c.Atomic = true
		case "push-options":
			c.PushOptions = true
		case "allow-tip-sha1-in-want":
			c.AllowTipSHA1InWant = true
		case "allow-reachable-sha1-in-want":
			c.AllowReachableSHA1InWant = true
		case "filter":
			c.Filter = true
		default:
			if agent, ok := strings.CutPrefix(tok, "agent="); ok {
				c.Agent = agent
				break
			}
			if format, ok := strings.CutPrefix(tok, "object-format="); ok {
				c.ObjectFormat = format
				break
			}
			if cert, ok := strings.CutPrefix(tok, "push-cert="); ok {
				c.PushCert = cert
			}
			// unknown tokens are ignored
		}
	}
	return c
}

// ParseCapsLine parses a space separated capability list, the form that
// follows NUL on the first command or want line.
func ParseCapsLine(line string) Caps {
	return ParseCaps(strings.Fields(line))
}

// Tokens renders the record in canonical advertisement order.
func (c Caps) Tokens() []string {
	tokens := make([]string, 0, 16)
	appendIf := func(on bool, tok string) {
		if on {
			tokens = append(tokens, tok)
		}
	}
	appendIf(c.MultiAck, "multi_ack")
	appendIf(c.MultiAckDetailed, "multi_ack_detailed")
	appendIf(c.ThinPack, "thin-pack")
	appendIf(c.SideBand, "side-band")
	appendIf(c.SideBand64k, "side-band-64k")
	appendIf(c.OfsDelta, "ofs-delta")
	appendIf(c.Shallow, "shallow")
	appendIf(c.DeepenSince, "deepen-since")
	appendIf(c.DeepenNot, "deepen-not")
	appendIf(c.DeepenRelative, "deepen-relative")
	appendIf(c.NoProgress, "no-progress")
	appendIf(c.IncludeTag, "include-tag")
	appendIf(c.ReportStatus, "report-status")
	appendIf(c.ReportStatusV2, "report-status-v2")
	appendIf(c.DeleteRefs, "delete-refs")
	appendIf(c.Quiet, "quiet")
	appendIf(c.Atomic, "atomic")
	appendIf(c.PushOptions, "push-options")
	appendIf(c.AllowTipSHA1InWant, "allow-tip-sha1-in-want")
	appendIf(c.AllowReachableSHA1InWant, "allow-reachable-sha1-in-want")
	appendIf(c.Filter, "filter")
	if len(c.ObjectFormat) != 0 {
		tokens = append(tokens, "object-format="+c.ObjectFormat)
	}
	if len(c.Agent) != 0 {
		tokens = append(tokens, "agent="+c.Agent)
	}
	if len(c.PushCert) != 0 {
		tokens = append(tokens, "push-cert="+c.PushCert)
	}
	return tokens
}

func (c Caps) String() string {
	return strings.Join(c.Tokens(), " ")
}

// SideBanded reports whether any side-band variant was negotiated.
func (c Caps) SideBanded() bool {
	return c.SideBand || c.SideBand64k
}

// Intersect keeps only the abilities both peers hold, the client echo on
// the left and the server advertisement on the right. Value fields come
// from the client.
func (c Caps) Intersect(server Caps) Caps {
	return Caps{
		MultiAck:                 c.MultiAck && server.MultiAck,
		MultiAckDetailed:         c.MultiAckDetailed && server.MultiAckDetailed,
		ThinPack:                 c.ThinPack && server.ThinPack,
		SideBand:                 c.SideBand && server.SideBand,
		SideBand64k:              c.SideBand64k && server.SideBand64k,
		OfsDelta:                 c.OfsDelta && server.OfsDelta,
		Shallow:                  c.Shallow && server.Shallow,
		DeepenSince:              c.DeepenSince && server.DeepenSince,
		DeepenNot:                c.DeepenNot && server.DeepenNot,
		DeepenRelative:           c.DeepenRelative && server.DeepenRelative,
		NoProgress:               c.NoProgress,
		IncludeTag:               c.IncludeTag && server.IncludeTag,
		ReportStatus:             c.ReportStatus && server.ReportStatus,
		ReportStatusV2:           c.ReportStatusV2 && server.ReportStatusV2,
		DeleteRefs:               c.DeleteRefs && server.DeleteRefs,
		Quiet:                    c.Quiet && server.Quiet,
		Atomic:                   c.Atomic && server.Atomic,
		PushOptions:              c.PushOptions && server.PushOptions,
		AllowTipSHA1InWant:       c.AllowTipSHA1InWant && server.AllowTipSHA1InWant,
		AllowReachableSHA1InWant: c.AllowReachableSHA1InWant && server.AllowReachableSHA1InWant,
		Filter:                   c.Filter && server.Filter,
		Agent:                    c.Agent,
		ObjectFormat:             c.ObjectFormat,
		PushCert:                 c.PushCert,
	}
}

// UploadCapabilities is the set advertised for git-upload-pack. multi_ack
// is deliberately absent: negotiation answers with a single ACK or NAK.
func UploadCapabilities(agent string) Caps {
	return Caps{
		ThinPack:                 true,
		SideBand:                 true,
		SideBand64k:              true,
		OfsDelta:                 true,
		NoProgress:               true,
		IncludeTag:               true,
		AllowTipSHA1InWant:       true,
		AllowReachableSHA1InWant: true,
		ObjectFormat:             ObjectFormatSHA1,
		Agent:                    agent,
	}
}

// ReceiveCapabilities is the set advertised for git-receive-pack.
func ReceiveCapabilities(agent string) Caps {
	return Caps{
		SideBand64k:    true,
		OfsDelta:       true,
		ReportStatus:   true,
		ReportStatusV2: true,
		DeleteRefs:     true,
		Quiet:          true,
		Atomic:         true,
		PushOptions:    true,
		ObjectFormat:   ObjectFormatSHA1,
		Agent:          agent,
	}
}
