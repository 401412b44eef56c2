// Package beacon parses friend lists into beacon identities and keeps the
// registry of identities the encounter engine tracks.
//
// A friend list is a comma-separated list of entries of the form
//
//	name-majorId-minorOrTag[-tag]
//
// The entry is split on "-" into at most three parts (name, majorId, rest).
// If rest contains another "-", it is split into minorId and tag; otherwise
// minorId is rest and the tag defaults to "majorId-rest". Entries that do not
// yield three parts are skipped without error.
package beacon

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Key identifies a beacon by its (majorId, minorId) pair.
type Key struct {
	Major string
	Minor string
}

// String returns "major-minor".
func (k Key) String() string {
	return k.Major + "-" + k.Minor
}

// Identity is a named beacon-bearing peer.
type Identity struct {
	Major       string `json:"major_id"`
	Minor       string `json:"minor_id"`
	DisplayName string `json:"display_name"`
	Tag         string `json:"tag"`
}

// Key returns the identity's registry key.
func (id Identity) Key() Key {
	return Key{Major: id.Major, Minor: id.Minor}
}

var entrySeparator = regexp.MustCompile(`\s*,\s*`)

// ParseFriendList parses a friend list string into identities, in the order
// they appear. Malformed entries are skipped.
func ParseFriendList(list string) []Identity {
	var ids []Identity
	for _, entry := range entrySeparator.Split(strings.TrimSpace(list), -1) {
		id, ok := ParseEntry(entry)
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// ParseEntry parses a single "name-majorId-minorOrTag[-tag]" entry.
// Returns false if the entry does not have three parts or either id is empty.
func ParseEntry(entry string) (Identity, bool) {
	parts := strings.SplitN(strings.TrimSpace(entry), "-", 3)
	if len(parts) < 3 {
		return Identity{}, false
	}
	name, major, rest := parts[0], parts[1], parts[2]

	minor, tag := rest, major+"-"+rest
	if i := strings.Index(rest, "-"); i >= 0 {
		minor, tag = rest[:i], rest[i+1:]
	}
	if major == "" || minor == "" {
		return Identity{}, false
	}

	return Identity{
		Major:       major,
		Minor:       minor,
		DisplayName: norm.NFC.String(name),
		Tag:         norm.NFC.String(tag),
	}, true
}
