package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dockerflow/gateway/internal/model"
)

func TestDefaultRules(t *testing.T) {
	d := MustDefault()

	denied := []string{
		"rm -rf /",
		"rm -rf /*",
		"rm -fr ~",
		"sudo rm -r -f /",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sda1",
		"format c:",
		":(){ :|:& };:",
		`rm -rf "/"`,
		`rm -rf '/'`,
		`"rm" -rf /`,
		`rm "-rf" ~`,
		`rm -rf \/`,
	}
	for _, cmd := range denied {
		err := d.Check(cmd)
		assert.ErrorIs(t, err, model.ErrInvalidCommand, cmd)
	}

	allowed := []string{
		"echo hi",
		"rm -rf ./build",
		"rm -rf /tmp/scratch",
		"ls -la /",
		"git format-patch HEAD~1",
		"python -c 'print(1)'",
	}
	for _, cmd := range allowed {
		assert.NoError(t, d.Check(cmd), cmd)
	}
}

func TestReplaceKeepsOldRulesOnError(t *testing.T) {
	d := MustDefault()
	n := d.Len()

	err := d.Replace([]Rule{{Name: "broken", Pattern: "("}})
	require.Error(t, err)
	assert.Equal(t, n, d.Len())

	err = d.Replace([]Rule{{Name: "empty", Pattern: "  "}})
	require.Error(t, err)
	assert.Equal(t, n, d.Len())
}

// Plain words never trip the default rules.
func TestAlphanumericCommandsAllowedProperty(t *testing.T) {
	d := MustDefault()
	properties := gopter.NewProperties(nil)

	properties.Property("echo of any identifier is allowed", prop.ForAll(
		func(word string) bool {
			return d.Check("echo "+word) == nil
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestWatchReloadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deny:\n  - name: no-curl\n    pattern: '\\bcurl\\b'\n"), 0o644))

	d := MustDefault()
	w, err := Watch(path, d, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	reloaded := make(chan struct{}, 1)
	w.reloaded = func() { reloaded <- struct{}{} }

	assert.Error(t, d.Check("curl example.com"))
	assert.NoError(t, d.Check("rm -rf /"), "file rules replace the defaults")

	require.NoError(t, os.WriteFile(path, []byte("deny:\n  - name: no-wget\n    pattern: '\\bwget\\b'\n"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("policy was not reloaded")
	}
	assert.NoError(t, d.Check("curl example.com"))
	assert.Error(t, d.Check("wget example.com"))
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deny: [unterminated"), 0o644))
	_, err = LoadFile(path)
	assert.Error(t, err)
}
