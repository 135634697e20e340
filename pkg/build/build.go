package build

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/berthstack/berth/pkg/log"
	"github.com/berthstack/berth/pkg/types"
)

// LogSink receives human-readable build output line by line while the
// build runs.
type LogSink func(line string)

// Artifact is the output of a successful build: a loadable executable
// plus the manifest that was packed with its source.
type Artifact struct {
	Project  types.ProjectName
	Path     string
	Manifest *Manifest
}

// Error is a build failure surfaced to the deployment record.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// System compiles an uploaded source archive into a loadable artifact.
type System interface {
	Build(ctx context.Context, project types.ProjectName, archive io.Reader, sink LogSink) (*Artifact, error)
}

// FsBuildSystem builds archives on the local filesystem, one directory
// per project under a configured root:
//
//	root/{project}/source  extracted archive (overwritten per build)
//	root/{project}/target  current artifact (replaced atomically)
type FsBuildSystem struct {
	root   string
	goBin  string
	logger func() LogSink
}

// NewFsBuildSystem initializes the build root directory.
func NewFsBuildSystem(root string) (*FsBuildSystem, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create build root: %w", err)
	}
	return &FsBuildSystem{root: root, goBin: "go"}, nil
}

// Build unpacks the archive over the project's source directory,
// compiles it, and atomically replaces the project artifact. A failed
// build leaves any previous artifact untouched. Build output streams
// into sink while the compiler runs.
func (b *FsBuildSystem) Build(ctx context.Context, project types.ProjectName, archive io.Reader, sink LogSink) (*Artifact, error) {
	if sink == nil {
		sink = func(string) {}
	}

	srcDir := filepath.Join(b.root, project.String(), "source")
	targetDir := filepath.Join(b.root, project.String(), "target")

	// Previous source is replaced in place; the previous artifact in
	// target/ stays valid for a running deployment until the rename.
	if err := os.RemoveAll(srcDir); err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to clear source directory: %v", err)}
	}
	for _, dir := range []string{srcDir, targetDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &Error{Message: fmt.Sprintf("failed to create %s: %v", dir, err)}
		}
	}

	sink("unpacking archive")
	if err := extractArchive(archive, srcDir); err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to unpack archive: %v", err)}
	}

	manifest, err := ReadManifest(srcDir)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}

	artifactPath := filepath.Join(targetDir, project.String())
	stagedPath := artifactPath + ".new"

	sink("compiling " + project.String())
	if err := b.compile(ctx, srcDir, manifest.Main, stagedPath, sink); err != nil {
		os.Remove(stagedPath)
		return nil, &Error{Message: err.Error()}
	}

	// Atomic swap: a concurrently running tenant keeps executing the
	// old inode; the path now points at the new build.
	if err := os.Rename(stagedPath, artifactPath); err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to install artifact: %v", err)}
	}

	sink("build finished")
	logger := log.WithProject(project.String())
	logger.Debug().Str("artifact", artifactPath).Msg("artifact installed")

	return &Artifact{Project: project, Path: artifactPath, Manifest: manifest}, nil
}

// compile runs the Go toolchain against the extracted source,
// streaming combined output into sink.
func (b *FsBuildSystem) compile(ctx context.Context, srcDir, mainPkg, out string, sink LogSink) error {
	cmd := exec.CommandContext(ctx, b.goBin, "build", "-o", out, mainPkg)
	cmd.Dir = srcDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to compiler output: %v", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start compiler: %v", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var tail []string
	for scanner.Scan() {
		line := scanner.Text()
		sink(line)
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := fmt.Sprintf("build failed: %v", err)
		if len(tail) > 0 {
			msg += "\n" + strings.Join(tail, "\n")
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// extractArchive unpacks a gzipped tarball into dir, rejecting entries
// that would escape it.
func extractArchive(archive io.Reader, dir string) error {
	gz, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("not a gzip archive: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corrupt archive: %v", err)
		}

		target, err := secureJoin(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		default:
			// Symlinks and devices in uploads are dropped.
		}
	}
}

// secureJoin resolves an archive entry name inside dir. Entry names
// are rooted before joining, so traversal components cannot escape;
// anything that still resolves outside dir is refused.
func secureJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}
