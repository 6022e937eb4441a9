package shard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoNodes = `
nodes:
  node-a: http://a:8080
  node-b: http://b:8080
default: node-a
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestOpenFileAppliesInitialPlacement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placement.yaml")
	writeFile(t, path, twoNodes+"shards:\n  1: node-b\n")

	ft, err := OpenFile("node-a", 3, path, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, ft.Owned())
	assert.Equal(t, Owner{NodeID: "node-b", Addr: "http://b:8080"}, ft.OwnerOf(1))
	assert.Equal(t, 1, ft.Reloads())
}

func TestOpenFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenFile("node-a", 3, filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "nodes: {}\ndefault: node-a\n")
	_, err = OpenFile("node-a", 3, bad, nil)
	assert.Error(t, err)
}

func TestFileTableReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placement.yaml")
	writeFile(t, path, twoNodes)

	ft, err := OpenFile("node-a", 3, path, nil)
	require.NoError(t, err)
	rec := newRecorder()
	ft.Subscribe(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ft.Start(ctx))
	defer ft.Close()

	writeFile(t, path, twoNodes+"shards:\n  2: node-b\n")

	select {
	case e := <-rec.ch:
		assert.Equal(t, "-2", e)
	case <-time.After(5 * time.Second):
		t.Fatal("no revocation after placement change")
	}
	assert.Equal(t, []int{0, 1}, ft.Owned())
}

func TestFileTableKeepsTableOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placement.yaml")
	writeFile(t, path, twoNodes)

	ft, err := OpenFile("node-a", 3, path, nil)
	require.NoError(t, err)
	require.NoError(t, ft.Start(context.Background()))
	defer ft.Close()

	writeFile(t, path, "default: [not, a, node]\n")
	time.Sleep(4 * reloadDebounce)
	assert.Equal(t, []int{0, 1, 2}, ft.Owned())
	assert.Equal(t, 1, ft.Reloads())
}

func TestFileTableCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placement.yaml")
	writeFile(t, path, twoNodes)

	ft, err := OpenFile("node-a", 3, path, nil)
	require.NoError(t, err)
	assert.NoError(t, ft.Close())
	require.NoError(t, ft.Start(context.Background()))
	assert.NoError(t, ft.Close())
	assert.NoError(t, ft.Close())
}
