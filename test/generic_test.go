package test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tummycrypt/tcfs/internal/objectstore"
	"github.com/tummycrypt/tcfs/internal/statecache"
	"github.com/tummycrypt/tcfs/internal/syncengine"
)

// runUploadDownloadRoundTrip pushes a file to a real backend through
// internal/syncengine and pulls it back down onto a second local path,
// verifying the two copies are byte-identical.
func runUploadDownloadRoundTrip(t *testing.T, cfg objectstore.Config) {
	t.Helper()
	ctx := context.Background()

	store, err := objectstore.New(ctx, cfg)
	if err != nil {
		t.Fatalf("building object store: %v", err)
	}

	state, err := statecache.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening state cache: %v", err)
	}
	defer state.Close()

	engine := &syncengine.Engine{Store: store, State: state, DeviceID: "integration-device"}

	srcDir := t.TempDir()
	content := bytes.Repeat([]byte("garage round trip "), 4096) // a few dozen KB, enough to span several content-defined chunks
	srcPath := filepath.Join(srcDir, "roundtrip.bin")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	upload, err := engine.Upload(ctx, srcPath, "integration", "roundtrip.bin", nil)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if upload.Skipped {
		t.Fatal("expected a fresh upload, got skipped")
	}

	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "roundtrip.bin")
	if _, err := engine.Download(ctx, upload.RemotePath, destPath, "integration", nil); err != nil {
		t.Fatalf("download failed: %v", err)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded content does not match uploaded content (got %d bytes, want %d)", len(got), len(content))
	}
}

// runRepeatUploadIsSkipped uploads the same file twice and verifies the
// second upload is recognized as already up to date.
func runRepeatUploadIsSkipped(t *testing.T, cfg objectstore.Config) {
	t.Helper()
	ctx := context.Background()

	store, err := objectstore.New(ctx, cfg)
	if err != nil {
		t.Fatalf("building object store: %v", err)
	}
	state, err := statecache.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening state cache: %v", err)
	}
	defer state.Close()

	engine := &syncengine.Engine{Store: store, State: state, DeviceID: "integration-device"}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "unchanged.bin")
	if err := os.WriteFile(srcPath, []byte("identical contents"), 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	if _, err := engine.Upload(ctx, srcPath, "integration", "unchanged.bin", nil); err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	second, err := engine.Upload(ctx, srcPath, "integration", "unchanged.bin", nil)
	if err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	if !second.Skipped {
		t.Error("expected the second upload of an unchanged file to be skipped")
	}
}
