package cache

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"iiifserv/internal/imaging"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, maxSize int64, maxFiles int, hysteresis float64) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir, maxSize, maxFiles, hysteresis, testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, dir
}

func writeOriginal(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("write original: %v", err)
	}
	return path
}

// addArtifact renders a fake artifact of the given size into the cache under
// the canonical key.
func addArtifact(t *testing.T, m *Manager, origPath, canonical string, size int) string {
	t.Helper()
	tmp, err := m.NewCacheFile()
	if err != nil {
		t.Fatalf("new cache file: %v", err)
	}
	if err := os.WriteFile(tmp, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}
	if err := m.Add(origPath, canonical, tmp, 4000, 3000, []imaging.SubImageInfo{
		{Reduce: 0, Width: 4000, Height: 3000, TileWidth: 512, TileHeight: 512},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	return tmp
}

func TestAddThenCheck(t *testing.T) {
	m, _ := newTestManager(t, 0, 0, 0.5)
	orig := writeOriginal(t, t.TempDir(), "photo.tif")

	addArtifact(t, m, orig, "host/p/photo.tif/full/max/0/default.jpg", 100)

	path, err := m.Check(orig, "host/p/photo.tif/full/max/0/default.jpg", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if path == "" {
		t.Fatal("expected cache hit")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cache file missing: %v", err)
	}
	if m.CacheSize() != 100 || m.NFiles() != 1 {
		t.Fatalf("cachesize=%d nfiles=%d", m.CacheSize(), m.NFiles())
	}
}

func TestCheckUnknownCanonical(t *testing.T) {
	m, _ := newTestManager(t, 0, 0, 0.5)
	orig := writeOriginal(t, t.TempDir(), "photo.tif")

	path, err := m.Check(orig, "host/p/unknown/full/max/0/default.jpg", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if path != "" {
		t.Fatalf("expected miss, got %q", path)
	}
}

func TestCheckMissingOriginal(t *testing.T) {
	m, _ := newTestManager(t, 0, 0, 0.5)
	if _, err := m.Check("/nonexistent/file.tif", "whatever", false); err == nil {
		t.Fatal("expected error for missing original")
	}
}

func TestStalenessKeepsRecord(t *testing.T) {
	m, _ := newTestManager(t, 0, 0, 0.5)
	orig := writeOriginal(t, t.TempDir(), "photo.tif")
	canonical := "host/p/photo.tif/full/max/0/default.jpg"
	addArtifact(t, m, orig, canonical, 50)

	// touch the original into the future so the rendering looks outdated
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(orig, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	path, err := m.Check(orig, canonical, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if path != "" {
		t.Fatalf("expected staleness miss, got %q", path)
	}
	if m.NFiles() != 1 {
		t.Fatalf("record was removed, nfiles=%d", m.NFiles())
	}

	// restoring the mtime turns it back into a hit
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(orig, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	path, err = m.Check(orig, canonical, false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if path == "" {
		t.Fatal("expected hit after mtime restore")
	}
}

func TestAddReplacesExisting(t *testing.T) {
	m, _ := newTestManager(t, 0, 0, 0.5)
	orig := writeOriginal(t, t.TempDir(), "photo.tif")
	canonical := "host/p/photo.tif/full/max/0/default.jpg"

	first := addArtifact(t, m, orig, canonical, 100)
	addArtifact(t, m, orig, canonical, 40)

	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Fatalf("replaced file should be unlinked, stat err=%v", err)
	}
	if m.CacheSize() != 40 || m.NFiles() != 1 {
		t.Fatalf("cachesize=%d nfiles=%d", m.CacheSize(), m.NFiles())
	}
}

func TestPurgeBySize(t *testing.T) {
	origDir := t.TempDir()
	m, _ := newTestManager(t, 10, 0, 0.5)
	orig := writeOriginal(t, origDir, "photo.tif")

	// 2-byte artifacts; the fifth insert crosses the 10-byte threshold and
	// eviction drops the LRU entries until below 5 bytes
	for _, canonical := range []string{"c1", "c2", "c3", "c4", "c5"} {
		addArtifact(t, m, orig, canonical, 2)
		time.Sleep(2 * time.Millisecond)
	}

	if m.CacheSize() != 4 || m.NFiles() != 2 {
		t.Fatalf("cachesize=%d nfiles=%d, want 4/2", m.CacheSize(), m.NFiles())
	}
	for _, canonical := range []string{"c1", "c2", "c3"} {
		if path, _ := m.Check(orig, canonical, false); path != "" {
			t.Fatalf("%s should have been evicted", canonical)
		}
	}
	for _, canonical := range []string{"c4", "c5"} {
		if path, _ := m.Check(orig, canonical, false); path == "" {
			t.Fatalf("%s should have survived", canonical)
		}
	}
}

func TestPurgeByCount(t *testing.T) {
	origDir := t.TempDir()
	m, _ := newTestManager(t, 0, 4, 0.5)
	orig := writeOriginal(t, origDir, "photo.tif")

	for _, canonical := range []string{"c1", "c2", "c3", "c4"} {
		addArtifact(t, m, orig, canonical, 1)
		time.Sleep(2 * time.Millisecond)
	}

	// threshold of 4 reached on the fourth insert, eviction runs down to <2
	if m.NFiles() != 1 {
		t.Fatalf("nfiles=%d, want 1", m.NFiles())
	}
	if path, _ := m.Check(orig, "c4", false); path == "" {
		t.Fatal("newest entry should survive")
	}
}

func TestPinSurvivesPurge(t *testing.T) {
	origDir := t.TempDir()
	m, _ := newTestManager(t, 0, 3, 0.5)
	orig := writeOriginal(t, origDir, "photo.tif")

	addArtifact(t, m, orig, "pinned", 1)
	pinnedPath, err := m.Check(orig, "pinned", true)
	if err != nil || pinnedPath == "" {
		t.Fatalf("check pinned: path=%q err=%v", pinnedPath, err)
	}
	time.Sleep(2 * time.Millisecond)

	for _, canonical := range []string{"c2", "c3", "c4", "c5"} {
		addArtifact(t, m, orig, canonical, 1)
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := os.Stat(pinnedPath); err != nil {
		t.Fatalf("pinned file was evicted: %v", err)
	}
	if path, _ := m.Check(orig, "pinned", false); path == "" {
		t.Fatal("pinned record should still be indexed")
	}

	m.Deblock(pinnedPath)
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t, 0, 0, 0.5)
	orig := writeOriginal(t, t.TempDir(), "photo.tif")

	file := addArtifact(t, m, orig, "doomed", 10)
	if !m.Remove("doomed") {
		t.Fatal("remove should succeed")
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatalf("file should be unlinked, err=%v", err)
	}
	if m.Remove("doomed") {
		t.Fatal("second remove should report false")
	}
}

func TestRemovePinnedRefused(t *testing.T) {
	m, _ := newTestManager(t, 0, 0, 0.5)
	orig := writeOriginal(t, t.TempDir(), "photo.tif")

	addArtifact(t, m, orig, "busy", 10)
	path, err := m.Check(orig, "busy", true)
	if err != nil || path == "" {
		t.Fatalf("check: path=%q err=%v", path, err)
	}
	if m.Remove("busy") {
		t.Fatal("pinned record must not be removed")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("pinned file vanished: %v", err)
	}
	m.Deblock(path)
	if !m.Remove("busy") {
		t.Fatal("remove after deblock should succeed")
	}
}

func TestGetSizeStaleness(t *testing.T) {
	m, _ := newTestManager(t, 0, 0, 0.5)
	orig := writeOriginal(t, t.TempDir(), "photo.tif")

	if err := m.PutSize(orig, SizeInfo{ImgW: 800, ImgH: 600}); err != nil {
		t.Fatalf("put size: %v", err)
	}
	si, err := m.GetSize(orig)
	if err != nil {
		t.Fatalf("get size: %v", err)
	}
	if si == nil || si.ImgW != 800 || si.ImgH != 600 {
		t.Fatalf("got %+v", si)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(orig, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	si, err = m.GetSize(orig)
	if err != nil {
		t.Fatalf("get size: %v", err)
	}
	if si != nil {
		t.Fatalf("expected staleness miss, got %+v", si)
	}
}

func TestLoopOrdering(t *testing.T) {
	origDir := t.TempDir()
	m, _ := newTestManager(t, 0, 0, 0.5)
	orig := writeOriginal(t, origDir, "photo.tif")

	addArtifact(t, m, orig, "first", 30)
	time.Sleep(2 * time.Millisecond)
	addArtifact(t, m, orig, "second", 10)
	time.Sleep(2 * time.Millisecond)
	addArtifact(t, m, orig, "third", 20)

	var byAccess []string
	m.Loop(func(index int, canonical string, rec Record) {
		byAccess = append(byAccess, canonical)
	}, SortAccessTimeAsc)
	if len(byAccess) != 3 || byAccess[0] != "first" || byAccess[2] != "third" {
		t.Fatalf("access order = %v", byAccess)
	}

	var bySize []string
	m.Loop(func(index int, canonical string, rec Record) {
		bySize = append(bySize, canonical)
	}, SortFSizeAsc)
	if len(bySize) != 3 || bySize[0] != "second" || bySize[2] != "first" {
		t.Fatalf("size order = %v", bySize)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	origDir := t.TempDir()
	dir := t.TempDir()
	orig := writeOriginal(t, origDir, "photo.tif")

	m, err := New(dir, 0, 0, 0.5, testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	addArtifact(t, m, orig, "keep-one", 11)
	addArtifact(t, m, orig, "keep-two", 22)
	if err := m.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reloaded, err := New(dir, 0, 0, 0.5, testLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.NFiles() != 2 || reloaded.CacheSize() != 33 {
		t.Fatalf("nfiles=%d cachesize=%d", reloaded.NFiles(), reloaded.CacheSize())
	}
	path, err := reloaded.Check(orig, "keep-two", false)
	if err != nil || path == "" {
		t.Fatalf("check after reload: path=%q err=%v", path, err)
	}

	// resolutions survive the round trip through the size table
	si, err := reloaded.GetSize(orig)
	if err != nil || si == nil {
		t.Fatalf("get size after reload: %+v err=%v", si, err)
	}
	if len(si.Resolutions) != 1 || si.Resolutions[0].TileWidth != 512 {
		t.Fatalf("resolutions = %+v", si.Resolutions)
	}
}

func TestStartupSweepsOrphans(t *testing.T) {
	origDir := t.TempDir()
	dir := t.TempDir()
	orig := writeOriginal(t, origDir, "photo.tif")

	m, err := New(dir, 0, 0, 0.5, testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	kept := addArtifact(t, m, orig, "kept", 10)
	if err := m.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	orphan := filepath.Join(dir, "cache_orphaned")
	if err := os.WriteFile(orphan, []byte("stray"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	dotfile := filepath.Join(dir, ".keepme")
	if err := os.WriteFile(dotfile, []byte("config"), 0o644); err != nil {
		t.Fatalf("write dotfile: %v", err)
	}

	if _, err := New(dir, 0, 0, 0.5, testLogger()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphan should be swept, err=%v", err)
	}
	if _, err := os.Stat(dotfile); err != nil {
		t.Fatalf("dotfile must be preserved: %v", err)
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatalf("indexed file must be preserved: %v", err)
	}
}

func TestIndexRecordsDroppedForMissingFiles(t *testing.T) {
	origDir := t.TempDir()
	dir := t.TempDir()
	orig := writeOriginal(t, origDir, "photo.tif")

	m, err := New(dir, 0, 0, 0.5, testLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	gone := addArtifact(t, m, orig, "vanishing", 10)
	if err := m.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := os.Remove(gone); err != nil {
		t.Fatalf("remove cache file: %v", err)
	}

	reloaded, err := New(dir, 0, 0, 0.5, testLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.NFiles() != 0 {
		t.Fatalf("nfiles=%d, want 0", reloaded.NFiles())
	}
}
