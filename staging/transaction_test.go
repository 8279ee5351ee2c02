package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func stagingArtifacts(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.staging.*"))
	require.NoError(t, err)
	return matches
}

func TestCommitPublishesAtomically(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.summary.v1.md")

	txn, err := Open(dest)
	require.NoError(t, err)
	require.NoError(t, txn.Append([]byte("hello ")))
	require.NoError(t, txn.Append([]byte("world")))

	// nothing at the final path until commit
	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err))
	require.Len(t, stagingArtifacts(t, dir), 1)
	require.Equal(t, int64(11), txn.BytesWritten())

	require.NoError(t, txn.Commit())
	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))
	require.Empty(t, stagingArtifacts(t, dir))

	// discard after commit must not touch the published file
	txn.Discard()
	_, err = os.Stat(dest)
	require.NoError(t, err)
}

func TestDiscardRemovesStaging(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.md")

	txn, err := Open(dest)
	require.NoError(t, err)
	require.NoError(t, txn.Append([]byte("partial")))
	txn.Discard()

	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err))
	require.Empty(t, stagingArtifacts(t, dir))

	// discard is idempotent
	txn.Discard()
}

func TestOpenCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "a", "b", "out.md")

	txn, err := Open(dest)
	require.NoError(t, err)
	require.NoError(t, txn.Append([]byte("x")))
	require.NoError(t, txn.Commit())

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "x", string(content))
}

func TestConcurrentTransactionsDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.md")

	a, err := Open(dest)
	require.NoError(t, err)
	b, err := Open(dest)
	require.NoError(t, err)
	require.Len(t, stagingArtifacts(t, dir), 2)

	require.NoError(t, a.Append([]byte("first")))
	require.NoError(t, b.Append([]byte("second")))
	require.NoError(t, b.Commit())
	a.Discard()

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "second", string(content))
	require.Empty(t, stagingArtifacts(t, dir))
}

func TestCommitTwiceFails(t *testing.T) {
	dir := t.TempDir()
	txn, err := Open(filepath.Join(dir, "out.md"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.Error(t, txn.Commit())
}
