package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credFixture() Credential {
	return Credential{Kind: "oauth", Refresh: "r1", Access: "a1", ExpiresAt: 1000}
}

func TestLoad_CreatesEmptyFileWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, s.ListIDs())

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestLoad_RejectsMalformedEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"acct-1":{"type":"oauth","refresh":"r"}}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsWrongKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"acct-1":{"type":"apikey","refresh":"r","access":"a","expires":1}}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestAddGetRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.Add("acct-1", credFixture()))

	got, err := s.Get("acct-1")
	require.NoError(t, err)
	assert.Equal(t, credFixture(), got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]Credential
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, credFixture(), onDisk["acct-1"])

	require.NoError(t, s.Remove("acct-1"))
	_, err = s.Get("acct-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// idempotent remove
	require.NoError(t, s.Remove("acct-1"))
}

func TestUpdate_FailsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "creds.json"))
	require.NoError(t, err)

	err = s.Update("missing", credFixture())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistence_FileAlwaysParsesCleanlyUnderConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	s, err := Load(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "acct"
			_ = s.Add(id, Credential{Kind: "oauth", Refresh: "r", Access: "a", ExpiresAt: int64(i)})
		}(i)
	}
	wg.Wait()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]Credential
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Contains(t, onDisk, "acct")
}

func TestFileMode_OwnerReadWriteOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.Add("acct-1", credFixture()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
