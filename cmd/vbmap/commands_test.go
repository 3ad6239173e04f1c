package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/vbucket"
)

func writeConfig(t *testing.T, cfg *vbucket.Config) string {
	t.Helper()
	data, err := cfg.MarshalJSON()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestPrintMapping(t *testing.T) {
	cfg, err := vbucket.GenerateDefault(3, 1, 64)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printMapping(&buf, cfg, []string{"alpha"}))

	vb, master := cfg.MapKey([]byte("alpha"))
	out := buf.String()
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, cfg.Servers[master].Authority)
	assert.Contains(t, out, cfg.Servers[cfg.VBReplica(vb, 0)].Authority)
}

func TestPrintDiff(t *testing.T) {
	from, err := vbucket.GenerateDefault(2, 0, 16)
	require.NoError(t, err)
	from = from.WithRevision(1)

	var buf bytes.Buffer
	printDiff(&buf, from, from.WithRevision(2))
	assert.Contains(t, buf.String(), "no changes")

	buf.Reset()
	printDiff(&buf, from, from.WithVBucketMaster(0, 1-from.VBMaster(0)).WithRevision(3))
	assert.Contains(t, buf.String(), "1 vbucket masters moved")
}

func TestMapCommand(t *testing.T) {
	cfg, err := vbucket.GenerateDefault(2, 1, 16)
	require.NoError(t, err)
	path := writeConfig(t, cfg.WithRevision(5))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"map", path, "k1", "k2"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "k1")
	assert.Contains(t, out.String(), "k2")
}
