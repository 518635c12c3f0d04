// Package imagebuilder builds and caches read-only ext4 images containing
// resolved Python dependencies for a requirements manifest. Images are
// content-addressed by a fingerprint of the manifest bytes, so identical
// manifests reuse the same image across tasks.
package imagebuilder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/velora/pulsar/internal/logging"
	"github.com/velora/pulsar/internal/metrics"
	"github.com/velora/pulsar/internal/pkg/crypto"
)

// LogFunc receives resolver and formatter output line by line.
type LogFunc func(line string)

// Config holds image builder settings. The pip pin must match the guest
// rootfs interpreter exactly: only pre-built binary wheels for the fixed
// platform/ABI are accepted, never source builds.
type Config struct {
	CacheDir      string `json:"cache_dir"`
	BuildDir      string `json:"build_dir"`
	ImageSizeMB   int    `json:"image_size_mb"`
	PipBin        string `json:"pip_bin"`
	MkfsBin       string `json:"mkfs_bin"`
	Platform      string `json:"platform"`
	PythonVersion string `json:"python_version"`
	ABI           string `json:"abi"`
}

// DefaultConfig returns builder defaults matching the stock guest rootfs.
func DefaultConfig() *Config {
	return &Config{
		CacheDir:      "/var/lib/pulsar/dep_cache",
		BuildDir:      "/var/lib/pulsar/dep_build",
		ImageSizeMB:   256,
		PipBin:        "pip",
		MkfsBin:       "mkfs.ext4",
		Platform:      "manylinux2014_x86_64",
		PythonVersion: "3.11",
		ABI:           "cp311",
	}
}

// ResolutionError indicates the dependency resolver failed.
type ResolutionError struct {
	Detail string
}

func (e *ResolutionError) Error() string {
	return "dependency resolution failed: " + e.Detail
}

// BuildError indicates filesystem image creation failed.
type BuildError struct {
	Detail string
}

func (e *BuildError) Error() string {
	return "image build failed: " + e.Detail
}

// Builder builds dependency images with a local per-hash lock so that two
// workers on the same host never build the same manifest concurrently.
type Builder struct {
	cfg Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Builder and ensures its cache and build directories exist.
func New(cfg *Config) (*Builder, error) {
	for _, dir := range []string{cfg.CacheDir, cfg.BuildDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return &Builder{cfg: *cfg, locks: make(map[string]*sync.Mutex)}, nil
}

func (b *Builder) hashLock(h string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[h]
	if !ok {
		l = &sync.Mutex{}
		b.locks[h] = l
	}
	return l
}

// Build returns the path to a read-only ext4 image containing the resolved
// libraries for the manifest. An empty (or whitespace-only) manifest returns
// "" with no error: the caller must skip attaching a deps drive. The cache
// hit/miss decision is a pure function of the manifest bytes.
func (b *Builder) Build(ctx context.Context, manifest []byte, sink LogFunc) (string, error) {
	if sink == nil {
		sink = func(string) {}
	}
	if strings.TrimSpace(string(manifest)) == "" {
		return "", nil
	}

	h := crypto.Fingerprint(manifest)
	imagePath := filepath.Join(b.cfg.CacheDir, h+".img")

	lock := b.hashLock(h)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(imagePath); err == nil {
		sink("Found cached dependencies for hash: " + h)
		metrics.Global().RecordImageCacheHit()
		return imagePath, nil
	}
	metrics.Global().RecordImageCacheMiss()
	sink("Building new dependency drive for hash: " + h)

	start := time.Now()
	scratch := filepath.Join(b.cfg.BuildDir, h)
	if err := os.RemoveAll(scratch); err != nil {
		return "", fmt.Errorf("clear scratch dir: %w", err)
	}
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	if err := b.resolve(ctx, manifest, scratch, sink); err != nil {
		os.RemoveAll(scratch)
		return "", err
	}

	if err := b.makeImage(ctx, scratch, imagePath, sink); err != nil {
		os.RemoveAll(scratch)
		return "", err
	}
	os.RemoveAll(scratch)

	metrics.Global().ObserveImageBuild(float64(time.Since(start).Milliseconds()))
	sink("Dependency drive ready: " + filepath.Base(imagePath))
	logging.Component("imagebuilder").Info("dependency image built", "hash", h, "elapsed", time.Since(start))
	return imagePath, nil
}

// resolve runs pip into the scratch directory, streaming its combined
// output into the sink.
func (b *Builder) resolve(ctx context.Context, manifest []byte, scratch string, sink LogFunc) error {
	reqPath := filepath.Join(scratch, "requirements.txt")
	if err := os.WriteFile(reqPath, manifest, 0644); err != nil {
		return fmt.Errorf("write requirements: %w", err)
	}

	sink("Starting pip install...")
	cmd := exec.CommandContext(ctx, b.cfg.PipBin, "install",
		"-r", reqPath,
		"--target", scratch,
		"--no-cache-dir",
		"--only-binary=:all:",
		"--platform", b.cfg.Platform,
		"--python-version", b.cfg.PythonVersion,
		"--implementation", "cp",
		"--abi", b.cfg.ABI,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pip stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return &ResolutionError{Detail: err.Error()}
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sink(line)
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
	}

	if err := cmd.Wait(); err != nil {
		sink(fmt.Sprintf("Pip install failed: %v", err))
		return &ResolutionError{Detail: strings.Join(tail, "\n")}
	}
	return nil
}

// makeImage creates a fixed-size file, formats it as ext4 populated from
// the scratch directory in one pass, and renames it into the cache
// atomically. No loopback mount is required: mkfs.ext4 -d copies the
// directory tree while formatting.
func (b *Builder) makeImage(ctx context.Context, scratch, imagePath string, sink LogFunc) error {
	sink("Creating disk image container...")

	tmpPath := imagePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return &BuildError{Detail: err.Error()}
	}
	if err := f.Truncate(int64(b.cfg.ImageSizeMB) * 1024 * 1024); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &BuildError{Detail: err.Error()}
	}
	f.Close()

	sink("Formatting as ext4 (populating files)...")
	out, err := exec.CommandContext(ctx, b.cfg.MkfsBin, "-d", scratch, "-F", tmpPath).CombinedOutput()
	if err != nil {
		os.Remove(tmpPath)
		msg := fmt.Sprintf("mkfs.ext4 failed: %s", strings.TrimSpace(string(out)))
		sink(msg)
		return &BuildError{Detail: msg}
	}

	if err := os.Rename(tmpPath, imagePath); err != nil {
		os.Remove(tmpPath)
		return &BuildError{Detail: err.Error()}
	}
	return nil
}
