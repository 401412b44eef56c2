package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_PeekRemoveFIFO(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		_, err := s.AppendEntry(ctx, []byte(p))
		require.NoError(t, err)
	}

	n, err := s.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got []string
	for {
		e, ok, err := s.PeekEntry(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(e.Payload))
		require.NoError(t, s.RemoveEntry(ctx, e.ID))
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
	n, err = s.CountEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLog_PeekDoesNotRemove(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.AppendEntry(ctx, []byte("only"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		e, ok, err := s.PeekEntry(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, e.ID)
	}
}

func TestLog_PeekEmpty(t *testing.T) {
	s := createTestStore(t)

	_, ok, err := s.PeekEntry(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLog_RemoveMissingIsNoop(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.RemoveEntry(context.Background(), 999))
}

func TestLog_IDsNotReused(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.AppendEntry(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.RemoveEntry(ctx, first))

	second, err := s.AppendEntry(ctx, []byte("y"))
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestLog_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.AppendEntry(ctx, []byte(`{"event_type":"message"}`))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	e, ok, err := s2.PeekEntry(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"event_type":"message"}`, string(e.Payload))
}

func TestLog_OldestEntryAge(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	age, err := s.OldestEntryAge(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, age)

	_, err = s.AppendEntry(ctx, []byte("x"))
	require.NoError(t, err)

	age, err = s.OldestEntryAge(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, age, 59*time.Second)
}

func TestLog_AppendAfterCloseFails(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.AppendEntry(context.Background(), []byte("x"))
	assert.Error(t, err)
}
