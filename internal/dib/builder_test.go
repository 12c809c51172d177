package dib

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	require.Equal(t, "", Hash(nil))
	require.Equal(t, "", Hash([]byte{}))

	h1 := Hash([]byte("rich==13.0.0"))
	h2 := Hash([]byte("rich==13.0.0"))
	require.Equal(t, h1, h2, "identical manifests must hash identically")

	h3 := Hash([]byte("rich==13.0.1"))
	require.NotEqual(t, h1, h3)
}

func TestBuild_EmptyManifestSkipsImage(t *testing.T) {
	b := New(t.TempDir(), t.TempDir(), 0)
	path, err := b.Build(context.Background(), nil, func(string) {})
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestBuild_CacheHitSkipsResolver(t *testing.T) {
	cacheDir := t.TempDir()
	buildDir := t.TempDir()
	b := New(cacheDir, buildDir, 1)
	b.resolver = "/bin/false" // would fail the build if ever invoked

	manifest := []byte("rich==13.0.0")
	h := Hash(manifest)
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, h+imageSuffix), []byte("fake-image"), 0o644))

	var logs []string
	path, err := b.Build(context.Background(), manifest, func(l string) { logs = append(logs, l) })
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cacheDir, h+imageSuffix), path)
	require.Contains(t, logs[0], "cache hit")
}

func TestBuild_ResolverFailureCleansScratch(t *testing.T) {
	cacheDir := t.TempDir()
	buildDir := t.TempDir()
	b := New(cacheDir, buildDir, 1)
	b.resolver = "/bin/false"

	manifest := []byte("nonexistent-package==0.0.0")
	_, err := b.Build(context.Background(), manifest, func(string) {})
	require.ErrorIs(t, err, ErrDependencyResolution)

	h := Hash(manifest)
	_, statErr := os.Stat(filepath.Join(buildDir, h))
	require.True(t, os.IsNotExist(statErr), "scratch dir must be removed after a failed build")
	_, statErr = os.Stat(filepath.Join(cacheDir, h+imageSuffix))
	require.True(t, os.IsNotExist(statErr), "no image should be published after a failed build")
}
