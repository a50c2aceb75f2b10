// Package dispatch routes reply-pipeline output back to QQ: target
// parsing, passive-reply quota and sequencing, image extraction from
// reply text, media upload-then-send, and incremental streaming for
// the one route that supports it.
package dispatch

import (
	"fmt"
	"regexp"
	"strings"
)

// TargetKind selects one of the three send routes.
type TargetKind string

const (
	TargetC2C     TargetKind = "c2c"
	TargetGroup   TargetKind = "group"
	TargetChannel TargetKind = "channel"
)

// Target is a parsed destination for an outbound message.
type Target struct {
	Kind TargetKind
	ID   string
}

// bare 32-hex identifiers are user openids
var bareOpenIDRe = regexp.MustCompile(`^[0-9A-Fa-f]{32}$`)

// ParseTarget parses a destination expression. Accepted forms, with an
// optional "qqbot:" prefix: "c2c:<openid>", "group:<groupOpenid>",
// "channel:<channelId>", or a bare 32-hex openid (treated as C2C).
func ParseTarget(s string) (Target, error) {
	raw := strings.TrimSpace(s)
	expr := strings.TrimPrefix(raw, "qqbot:")

	if kind, id, ok := strings.Cut(expr, ":"); ok {
		id = strings.TrimSpace(id)
		if id == "" {
			return Target{}, fmt.Errorf("target %q missing id", raw)
		}
		switch TargetKind(kind) {
		case TargetC2C:
			return Target{Kind: TargetC2C, ID: id}, nil
		case TargetGroup:
			return Target{Kind: TargetGroup, ID: id}, nil
		case TargetChannel:
			return Target{Kind: TargetChannel, ID: id}, nil
		default:
			return Target{}, fmt.Errorf("unknown target kind %q", kind)
		}
	}

	if bareOpenIDRe.MatchString(expr) {
		return Target{Kind: TargetC2C, ID: expr}, nil
	}
	return Target{}, fmt.Errorf("unrecognized target %q", raw)
}

// String renders the target in its canonical prefixed form;
// ParseTarget(t.String()) round-trips.
func (t Target) String() string {
	return string(t.Kind) + ":" + t.ID
}
