package imagebuilder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/velora/pulsar/internal/pkg/crypto"
)

// writeScript writes an executable shell script into dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestBuilder(t *testing.T, pipBody, mkfsBody string) *Builder {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.BuildDir = filepath.Join(dir, "build")
	cfg.ImageSizeMB = 1
	cfg.PipBin = writeScript(t, dir, "pip", pipBody)
	cfg.MkfsBin = writeScript(t, dir, "mkfs.ext4", mkfsBody)

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestBuildEmptyManifest(t *testing.T) {
	b := newTestBuilder(t, "exit 0", "exit 0")

	for _, manifest := range []string{"", "   ", "\n\n"} {
		path, err := b.Build(context.Background(), []byte(manifest), nil)
		if err != nil {
			t.Fatalf("Build(%q) failed: %v", manifest, err)
		}
		if path != "" {
			t.Fatalf("Build(%q) returned %q, want empty path", manifest, path)
		}
	}
}

func TestBuildCreatesContentAddressedImage(t *testing.T) {
	manifest := []byte("numpy==1.26.4\n")
	b := newTestBuilder(t,
		`echo "Collecting numpy"; exit 0`,
		// invoked as: mkfs.ext4 -d <scratch> -F <image>
		`echo formatted > "$4"; exit 0`)

	path, err := b.Build(context.Background(), manifest, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	wantName := crypto.Fingerprint(manifest) + ".img"
	if filepath.Base(path) != wantName {
		t.Fatalf("image named %q, want %q", filepath.Base(path), wantName)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("image not on disk: %v", err)
	}
	if strings.HasSuffix(path, ".tmp") {
		t.Fatal("returned path is the temp file, not the renamed image")
	}
}

func TestBuildCacheHitSkipsResolver(t *testing.T) {
	manifest := []byte("pandas==2.2.0\n")
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.BuildDir = filepath.Join(dir, "build")
	cfg.ImageSizeMB = 1
	// pip failing proves the resolver never ran on a cache hit
	cfg.PipBin = writeScript(t, dir, "pip", "exit 1")
	cfg.MkfsBin = writeScript(t, dir, "mkfs.ext4", "exit 1")

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Pre-seed the cache entry.
	h := crypto.Fingerprint(manifest)
	cached := filepath.Join(cfg.CacheDir, h+".img")
	if err := os.WriteFile(cached, []byte("image"), 0644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	var lines []string
	path, err := b.Build(context.Background(), manifest, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Build failed on cache hit: %v", err)
	}
	if path != cached {
		t.Fatalf("got %q, want cached %q", path, cached)
	}

	found := false
	for _, l := range lines {
		if strings.Contains(l, "Found cached dependencies for hash: "+h) {
			found = true
		}
	}
	if !found {
		t.Fatalf("cache hit not reported to sink: %v", lines)
	}
}

func TestBuildResolutionFailure(t *testing.T) {
	b := newTestBuilder(t,
		`echo "ERROR: No matching distribution found for nosuchpkg"; exit 1`,
		"exit 0")

	_, err := b.Build(context.Background(), []byte("nosuchpkg==9.9.9\n"), nil)
	if err == nil {
		t.Fatal("expected resolution error")
	}
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %T: %v", err, err)
	}
	if !strings.Contains(resErr.Detail, "No matching distribution") {
		t.Fatalf("resolver output not captured: %q", resErr.Detail)
	}
}

func TestBuildImageFailureLeavesNoImage(t *testing.T) {
	manifest := []byte("numpy==1.26.4\n")
	b := newTestBuilder(t, "exit 0", `echo "mkfs boom" >&2; exit 1`)

	_, err := b.Build(context.Background(), manifest, nil)
	if err == nil {
		t.Fatal("expected build error")
	}

	// Neither the final image nor the temp file may survive a failure.
	h := crypto.Fingerprint(manifest)
	for _, name := range []string{h + ".img", h + ".img.tmp"} {
		if _, statErr := os.Stat(filepath.Join(b.cfg.CacheDir, name)); statErr == nil {
			t.Fatalf("%s left behind after failed build", name)
		}
	}
}
