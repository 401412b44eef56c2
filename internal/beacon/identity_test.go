package beacon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		want  Identity
		ok    bool
	}{
		{
			name:  "default tag",
			entry: "alice-100-7",
			want:  Identity{Major: "100", Minor: "7", DisplayName: "alice", Tag: "100-7"},
			ok:    true,
		},
		{
			name:  "explicit tag",
			entry: "bob-100-8-kontakt01",
			want:  Identity{Major: "100", Minor: "8", DisplayName: "bob", Tag: "kontakt01"},
			ok:    true,
		},
		{
			name:  "tag keeps further dashes",
			entry: "carol-1-2-a-b",
			want:  Identity{Major: "1", Minor: "2", DisplayName: "carol", Tag: "a-b"},
			ok:    true,
		},
		{
			name:  "surrounding whitespace",
			entry: "  dave-3-4 ",
			want:  Identity{Major: "3", Minor: "4", DisplayName: "dave", Tag: "3-4"},
			ok:    true,
		},
		{name: "two parts", entry: "eve-5", ok: false},
		{name: "one part", entry: "frank", ok: false},
		{name: "empty", entry: "", ok: false},
		{name: "empty minor", entry: "gina-5-", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseEntry(tt.entry)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseFriendList_SkipsMalformed(t *testing.T) {
	ids := ParseFriendList("alice-100-7, broken, bob-100-8-tagb,,carol-1")

	require.Len(t, ids, 2)
	assert.Equal(t, "alice", ids[0].DisplayName)
	assert.Equal(t, "bob", ids[1].DisplayName)
	assert.Equal(t, "tagb", ids[1].Tag)
}

func TestParseFriendList_Empty(t *testing.T) {
	assert.Empty(t, ParseFriendList(""))
	assert.Empty(t, ParseFriendList("   "))
}

func TestParseFriendList_NormalizesNames(t *testing.T) {
	// "e" followed by a combining acute accent composes to U+00E9.
	ids := ParseFriendList("Rene\u0301-1-2-Cafe\u0301")
	require.Len(t, ids, 1)
	assert.Equal(t, "Ren\u00e9", ids[0].DisplayName)
	assert.Equal(t, "Caf\u00e9", ids[0].Tag)
}

func TestRegistry_ParseIsIdempotent(t *testing.T) {
	const list = "alice-100-7, bob-100-8-tagb"

	r := NewRegistry()
	for _, id := range ParseFriendList(list) {
		r.Upsert(id)
	}
	first := r.Identities()

	for _, id := range ParseFriendList(list) {
		assert.False(t, r.Upsert(id), "second parse must not create identities")
	}

	assert.Equal(t, first, r.Identities())
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_UpsertUpdatesNameAndTag(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Upsert(Identity{Major: "1", Minor: "2", DisplayName: "old", Tag: "t1"}))
	assert.False(t, r.Upsert(Identity{Major: "1", Minor: "2", DisplayName: "new", Tag: "t2"}))

	id, ok := r.Lookup("1", "2")
	require.True(t, ok)
	assert.Equal(t, "new", id.DisplayName)
	assert.Equal(t, "t2", id.Tag)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("9", "9")
	assert.False(t, ok)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "100-7", Key{Major: "100", Minor: "7"}.String())
}
