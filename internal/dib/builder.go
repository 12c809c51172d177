// Package dib builds and caches read-only dependency images: it resolves a
// manifest's declared libraries into a scratch directory pinned to the
// guest's exact interpreter ABI, then formats that directory into a single
// ext4 image addressed by the manifest's content hash.
package dib

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Sentinel error kinds. Build wraps these with context via fmt.Errorf's %w.
var (
	// ErrDependencyResolution is returned when the package resolver (pip)
	// exits non-zero.
	ErrDependencyResolution = errors.New("dependency resolution failed")

	// ErrImageBuild is returned when formatting the scratch directory into
	// an image fails.
	ErrImageBuild = errors.New("image build failed")
)

const (
	imageSuffix  = ".img"
	pythonVer    = "3.11"
	pyABI        = "cp311"
	pyImpl       = "cp"
	pyPlatform   = "manylinux2014_x86_64"
	defaultSizeMB = 256
)

// Builder resolves dependency manifests into cached ext4 images. A Builder is
// safe for concurrent use; concurrent builds of the same manifest hash are
// serialized through a per-hash lock so the resolver only runs once.
type Builder struct {
	cacheDir string
	buildDir string
	sizeMB   int
	resolver string // resolver binary, "pip" in production, overridable for tests

	hashLocks sync.Map // manifest hash -> *sync.Mutex
}

// New creates a Builder rooted at cacheDir/buildDir. sizeMB <= 0 uses the
// default 256 MiB image size.
func New(cacheDir, buildDir string, sizeMB int) *Builder {
	if sizeMB <= 0 {
		sizeMB = defaultSizeMB
	}
	return &Builder{
		cacheDir: cacheDir,
		buildDir: buildDir,
		sizeMB:   sizeMB,
		resolver: "pip",
	}
}

// Hash returns the content fingerprint for a manifest. Empty manifests hash
// to the empty string, which Build treats as "no dependency image needed".
func Hash(manifest []byte) string {
	if len(manifest) == 0 {
		return ""
	}
	sum := md5.Sum(manifest)
	return hex.EncodeToString(sum[:])
}

// Build resolves manifest into a cached image and returns its path. An empty
// manifest returns ("", nil): the caller must skip attaching a deps drive.
func (b *Builder) Build(ctx context.Context, manifest []byte, logSink func(string)) (string, error) {
	h := Hash(manifest)
	if h == "" {
		return "", nil
	}

	imagePath := filepath.Join(b.cacheDir, h+imageSuffix)

	lockIface, _ := b.hashLocks.LoadOrStore(h, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(imagePath); err == nil {
		logSink(fmt.Sprintf("cache hit for dependency manifest %s", h))
		return imagePath, nil
	}

	logSink(fmt.Sprintf("building new dependency image for manifest %s", h))

	scratchDir := filepath.Join(b.buildDir, h)
	if err := os.RemoveAll(scratchDir); err != nil {
		return "", fmt.Errorf("clear scratch dir: %w", err)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	if err := b.resolveDeps(ctx, manifest, scratchDir, logSink); err != nil {
		return "", err
	}

	tmpImage := imagePath + ".tmp"
	if err := b.formatImage(scratchDir, tmpImage, logSink); err != nil {
		os.Remove(tmpImage)
		return "", err
	}

	if err := os.MkdirAll(b.cacheDir, 0o755); err != nil {
		os.Remove(tmpImage)
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.Rename(tmpImage, imagePath); err != nil {
		os.Remove(tmpImage)
		return "", fmt.Errorf("publish image: %w", err)
	}

	logSink(fmt.Sprintf("dependency image ready: %s", filepath.Base(imagePath)))
	return imagePath, nil
}

// resolveDeps writes the manifest to a requirements file inside scratchDir
// and pip-installs it there, pinned to the guest's exact interpreter ABI so
// only pre-built binary wheels are accepted. Resolver output streams to
// logSink line by line.
func (b *Builder) resolveDeps(ctx context.Context, manifest []byte, scratchDir string, logSink func(string)) error {
	reqPath := filepath.Join(scratchDir, "requirements.txt")
	if err := os.WriteFile(reqPath, manifest, 0o644); err != nil {
		return fmt.Errorf("write requirements file: %w", err)
	}

	logSink("starting dependency resolution")

	cmd := exec.CommandContext(ctx, b.resolver, "install",
		"-r", reqPath,
		"--target", scratchDir,
		"--no-cache-dir",
		"--only-binary=:all:",
		"--platform", pyPlatform,
		"--python-version", pythonVer,
		"--implementation", pyImpl,
		"--abi", pyABI,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: pipe stdout: %v", ErrDependencyResolution, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start resolver: %v", ErrDependencyResolution, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		logSink(scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		logSink(fmt.Sprintf("dependency resolution failed: %v", err))
		return fmt.Errorf("%w: %v", ErrDependencyResolution, err)
	}

	return nil
}

// formatImage truncates a fixed-size file at imagePath and formats it as
// ext4, populating it from scratchDir in one pass.
func (b *Builder) formatImage(scratchDir, imagePath string, logSink func(string)) error {
	logSink("formatting dependency image")

	f, err := os.Create(imagePath)
	if err != nil {
		return fmt.Errorf("%w: create image file: %v", ErrImageBuild, err)
	}
	if err := f.Truncate(int64(b.sizeMB) * 1024 * 1024); err != nil {
		f.Close()
		return fmt.Errorf("%w: truncate image file: %v", ErrImageBuild, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close image file: %v", ErrImageBuild, err)
	}

	out, err := exec.Command("mkfs.ext4", "-d", scratchDir, "-F", imagePath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: mkfs.ext4: %s: %v", ErrImageBuild, trimOutput(out), err)
	}

	return nil
}

func trimOutput(out []byte) string {
	const maxLen = 2048
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return string(out)
}
