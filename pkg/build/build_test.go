package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeArchive builds a gzipped tarball from name -> content pairs.
func makeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// writeFakeCompiler installs a stand-in for the Go toolchain so build
// tests exercise the pipeline without compiling anything. It receives
// the same argv as the real tool: build -o <out> <pkg>.
func writeFakeCompiler(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakego")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func newTestBuildSystem(t *testing.T, compiler string) *FsBuildSystem {
	t.Helper()
	b, err := NewFsBuildSystem(t.TempDir())
	require.NoError(t, err)
	b.goBin = compiler
	return b
}

func TestBuildHappyPath(t *testing.T) {
	compiler := writeFakeCompiler(t, `echo compiling; echo done > "$3"`)
	b := newTestBuildSystem(t, compiler)

	archive := makeArchive(t, map[string]string{
		"main.go":    "package main",
		"berth.yaml": "database: postgres\nsecrets: [api_key]\n",
	})

	var lines []string
	artifact, err := b.Build(context.Background(), "hello", bytes.NewReader(archive), func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", artifact.Project.String())
	assert.FileExists(t, artifact.Path)
	assert.Equal(t, "postgres", artifact.Manifest.Database)
	assert.Equal(t, []string{"api_key"}, artifact.Manifest.Secrets)
	assert.Contains(t, lines, "compiling")
	assert.Contains(t, lines, "build finished")

	// No .new staging file left behind.
	assert.NoFileExists(t, artifact.Path+".new")
}

func TestBuildFailureLeavesPreviousArtifact(t *testing.T) {
	good := writeFakeCompiler(t, `echo v1 > "$3"`)
	bad := writeFakeCompiler(t, `echo "main.go:3: undefined: frob"; exit 1`)

	b := newTestBuildSystem(t, good)
	archive := makeArchive(t, map[string]string{"main.go": "package main"})

	artifact, err := b.Build(context.Background(), "hello", bytes.NewReader(archive), nil)
	require.NoError(t, err)

	b.goBin = bad
	_, err = b.Build(context.Background(), "hello", bytes.NewReader(archive), nil)
	require.Error(t, err)

	var buildErr *Error
	require.ErrorAs(t, err, &buildErr)
	assert.Contains(t, buildErr.Message, "undefined: frob")

	// The v1 artifact survives the failed rebuild.
	data, readErr := os.ReadFile(artifact.Path)
	require.NoError(t, readErr)
	assert.Equal(t, "v1\n", string(data))
	assert.NoFileExists(t, artifact.Path+".new")
}

func TestBuildRejectsCorruptArchive(t *testing.T) {
	b := newTestBuildSystem(t, writeFakeCompiler(t, `exit 0`))

	_, err := b.Build(context.Background(), "hello", bytes.NewReader([]byte("not a tarball")), nil)
	require.Error(t, err)

	var buildErr *Error
	require.ErrorAs(t, err, &buildErr)
	assert.Contains(t, buildErr.Message, "unpack")
}

func TestBuildContainsPathTraversal(t *testing.T) {
	b := newTestBuildSystem(t, writeFakeCompiler(t, `echo ok > "$3"`))

	archive := makeArchive(t, map[string]string{"../../escape.txt": "nope"})
	_, err := b.Build(context.Background(), "hello", bytes.NewReader(archive), nil)
	require.NoError(t, err)

	// The traversal entry is rooted inside the source directory rather
	// than written outside the build root.
	srcDir := filepath.Join(b.root, "hello", "source")
	assert.FileExists(t, filepath.Join(srcDir, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(b.root, "..", "escape.txt"))
}

func TestBuildSourceOverwrittenPerBuild(t *testing.T) {
	b := newTestBuildSystem(t, writeFakeCompiler(t, `echo ok > "$3"`))

	first := makeArchive(t, map[string]string{"old.go": "package main"})
	_, err := b.Build(context.Background(), "hello", bytes.NewReader(first), nil)
	require.NoError(t, err)

	second := makeArchive(t, map[string]string{"new.go": "package main"})
	_, err = b.Build(context.Background(), "hello", bytes.NewReader(second), nil)
	require.NoError(t, err)

	srcDir := filepath.Join(b.root, "hello", "source")
	assert.NoFileExists(t, filepath.Join(srcDir, "old.go"))
	assert.FileExists(t, filepath.Join(srcDir, "new.go"))
}

func TestReadManifest(t *testing.T) {
	tests := []struct {
		name    string
		content string
		missing bool
		want    Manifest
		wantErr bool
	}{
		{
			name:    "missing manifest means no resources",
			missing: true,
			want:    Manifest{Main: "."},
		},
		{
			name:    "full manifest",
			content: "main: ./cmd/app\ndatabase: postgres\nsecrets: [token, api_key]\n",
			want:    Manifest{Main: "./cmd/app", Database: "postgres", Secrets: []string{"token", "api_key"}},
		},
		{
			name:    "empty main defaults",
			content: "database: mongodb\n",
			want:    Manifest{Main: ".", Database: "mongodb"},
		},
		{
			name:    "invalid yaml",
			content: "database: [unclosed",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if !tt.missing {
				require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(tt.content), 0644))
			}
			got, err := ReadManifest(dir)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}
