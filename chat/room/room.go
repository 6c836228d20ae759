// Package room derives the identifier of a two-party conversation.
//
// The separator is not escaped, so the id matches what the server and
// other clients compute. Identities containing "-" can collide: ID("--a-",
// "--a") and ID("--a-", "-a-") are both "room---a---a-". Logins are
// expected to be free of dashes.
package room

import (
	"cmp"
	"fmt"
)

const (
	Prefix    = "room-"
	Separator = "-"
)

// ID returns the room identifier for the unordered pair (a, b).
// Numbers sort numerically and strings lexicographically, so
// ID(a, b) == ID(b, a) for every pair.
func ID[T cmp.Ordered](a, b T) string {
	if cmp.Compare(a, b) > 0 {
		a, b = b, a
	}
	return Prefix + fmt.Sprint(a) + Separator + fmt.Sprint(b)
}
