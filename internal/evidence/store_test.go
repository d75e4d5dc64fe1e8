package evidence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key-1234567890123456"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "evidence.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &SideEffect{
		Kind:      "write",
		Tool:      "write_file",
		Agent:     "builder",
		Target:    "/tmp/out.txt",
		SizeBytes: 42,
		Success:   true,
	}
	require.NoError(t, store.Record(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.Contains(t, rec.Signature, "hmac-sha256:")

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Target, got.Target)
	assert.Equal(t, rec.Signature, got.Signature)

	ok, err := store.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &SideEffect{Kind: "execute", Tool: "bash", Agent: "builder", Command: "ls", Success: true}
	require.NoError(t, store.Record(ctx, rec))

	_, err := store.db.ExecContext(ctx,
		`UPDATE side_effects SET record_json = replace(record_json, '"ls"', '"rm -rf build"') WHERE id = ?`, rec.ID)
	require.NoError(t, err)

	ok, err := store.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "se_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, r := range []SideEffect{
		{Kind: "write", Tool: "write_file", Agent: "a"},
		{Kind: "network", Tool: "http_request", Agent: "a", URL: "https://example.com"},
		{Kind: "write", Tool: "write_file", Agent: "b"},
	} {
		r.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Record(ctx, &r))
	}

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].Agent, "newest first")

	byAgent, err := store.List(ctx, Filter{Agent: "a"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	writes, err := store.List(ctx, Filter{Kind: "write", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, writes, 1)

	row := all[1].CSVRow()
	assert.Len(t, row, len(CSVHeader))
	assert.Equal(t, "https://example.com", row[5])
}

func TestNewSigner_KeyRules(t *testing.T) {
	_, err := NewSigner("short")
	assert.Error(t, err)

	hexKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	s, err := NewSigner(hexKey)
	require.NoError(t, err)
	sig := s.Sign([]byte("payload"))
	assert.True(t, s.Verify([]byte("payload"), sig))
	assert.False(t, s.Verify([]byte("payload"), "sha1:"+sig))
}
