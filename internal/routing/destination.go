package routing

import "strings"

// Kind identifies the delivery medium of a destination.
type Kind string

const (
	KindRoom      Kind = "room"
	KindMicroblog Kind = "microblog"
	KindPage      Kind = "page"
	KindWebhook   Kind = "webhook"
)

// Destination is one fan-out target for a channel.
// Target is a room name, an account id, a page id, or a webhook URL
// depending on Kind.
type Destination struct {
	Kind   Kind
	Target string
}

// Key uniquely identifies a destination across kinds.
func (d Destination) Key() string {
	return string(d.Kind) + ":" + d.Target
}

// NormalizeChannel canonicalizes a channel identifier: whitespace is
// stripped and the result upper-cased, so "abc " and "ABC" route the same.
func NormalizeChannel(s string) string {
	s = strings.Join(strings.Fields(s), "")
	return strings.ToUpper(s)
}
