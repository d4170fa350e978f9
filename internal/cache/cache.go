package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"log/slog"

	"iiifserv/internal/imaging"
)

// Record is one cached artifact, keyed by its canonical fingerprint. The
// record owns the file at {cachedir}/{CachePath}; removing the record implies
// unlinking the file unless it is pinned.
type Record struct {
	ImgW        int
	ImgH        int
	Resolutions []imaging.SubImageInfo
	OrigPath    string
	CachePath   string // basename inside the cache directory
	MTime       time.Time
	AccessTime  time.Time
	FSize       int64
}

type sizeRecord struct {
	imgW        int
	imgH        int
	resolutions []imaging.SubImageInfo
	mtime       time.Time
}

// SizeInfo is the result of a dimensions lookup for an original file.
type SizeInfo struct {
	ImgW        int
	ImgH        int
	Resolutions []imaging.SubImageInfo
}

// SortMethod selects the iteration order for Loop.
type SortMethod int

const (
	SortAccessTimeAsc SortMethod = iota
	SortAccessTimeDesc
	SortFSizeAsc
	SortFSizeDesc
)

const indexFileName = ".iiifcache"

// Manager is the persisted, pinned LRU index over rendered artifacts stored
// as discrete files in a single directory. One mutex guards the record map,
// the size-record map, the counters and the pin table; long I/O (encoding,
// socket writes) happens outside the lock with a pin held.
type Manager struct {
	logger *slog.Logger
	dir    string

	maxCacheSize int64
	maxNFiles    int
	hysteresis   float64

	mu        sync.Mutex
	records   map[string]*Record
	sizes     map[string]sizeRecord
	pins      map[string]int
	cacheSize int64
	nFiles    int
}

// New opens the cache directory, loads the persisted index, drops entries
// whose files vanished and sweeps orphaned files from the directory. The
// directory must already exist and be writable.
func New(dir string, maxCacheSize int64, maxNFiles int, hysteresis float64, logger *slog.Logger) (*Manager, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cache directory not available: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cache path %s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".probe_*")
	if err != nil {
		return nil, fmt.Errorf("cache directory not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	m := &Manager{
		logger:       logger.With("component", "cache"),
		dir:          dir,
		maxCacheSize: maxCacheSize,
		maxNFiles:    maxNFiles,
		hysteresis:   hysteresis,
		records:      make(map[string]*Record),
		sizes:        make(map[string]sizeRecord),
		pins:         make(map[string]int),
	}
	m.logger.Info("cache opened",
		slog.String("dir", dir),
		slog.Int64("max_cachesize", maxCacheSize),
		slog.Int("max_nfiles", maxNFiles),
		slog.Float64("hysteresis", hysteresis))

	loaded, err := loadIndex(filepath.Join(dir, indexFileName))
	if err != nil {
		m.logger.Warn("cache index unreadable, starting empty", slog.Any("error", err))
	}
	for canonical, rec := range loaded {
		if _, err := os.Stat(filepath.Join(dir, rec.CachePath)); err != nil {
			m.logger.Debug("cached file missing on disk, dropping entry",
				slog.String("cachepath", rec.CachePath))
			continue
		}
		m.records[canonical] = rec
		m.cacheSize += rec.FSize
		m.nFiles++
	}

	m.sweepOrphans()

	for _, rec := range m.records {
		if _, ok := m.sizes[rec.OrigPath]; !ok {
			m.sizes[rec.OrigPath] = sizeRecord{
				imgW:        rec.ImgW,
				imgH:        rec.ImgH,
				resolutions: rec.Resolutions,
				mtime:       rec.MTime,
			}
		}
	}
	return m, nil
}

// sweepOrphans deletes files in the cache directory that no record owns.
// Files beginning with "." are preserved.
func (m *Manager) sweepOrphans() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("cache directory scan failed", slog.Any("error", err))
		return
	}
	owned := make(map[string]struct{}, len(m.records))
	for _, rec := range m.records {
		owned[rec.CachePath] = struct{}{}
	}
	for _, e := range entries {
		name := e.Name()
		if name == "" || name[0] == '.' {
			continue
		}
		if _, ok := owned[name]; ok {
			continue
		}
		m.logger.Info("file not in cache index, deleting", slog.String("file", name))
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			m.logger.Warn("orphan removal failed", slog.String("file", name), slog.Any("error", err))
		}
	}
}

// Check looks up a canonical fingerprint. It returns "" on a miss, and on a
// hit the absolute path of the cached file after bumping its access time.
// A hit whose original is newer than the cached rendering is reported as a
// miss but the record stays in place. With pin set, the returned file is
// protected from eviction until the matching Deblock.
func (m *Manager) Check(origPath, canonical string, pin bool) (string, error) {
	info, err := os.Stat(origPath)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", origPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[canonical]
	if !ok {
		return "", nil
	}
	rec.AccessTime = time.Now()
	if info.ModTime().After(rec.MTime) {
		return "", nil
	}
	path := filepath.Join(m.dir, rec.CachePath)
	if pin {
		m.pins[path]++
	}
	return path, nil
}

// Deblock releases a pin taken by Check.
func (m *Manager) Deblock(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[path]--
	if m.pins[path] < 1 {
		delete(m.pins, path)
	}
}

// NewCacheFile creates a fresh, uniquely named file inside the cache
// directory and returns its path. Ownership passes to the caller until Add.
func (m *Manager) NewCacheFile() (string, error) {
	f, err := os.CreateTemp(m.dir, "cache_*")
	if err != nil {
		return "", fmt.Errorf("create cache file: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// Add hands a rendered file over to the index under the canonical
// fingerprint. An existing record for the same fingerprint is replaced and
// its file unlinked. The size-record table learns the original's dimensions
// on first sight. Purge runs afterwards under the same lock.
func (m *Manager) Add(origPath, canonical, cachePath string, imgW, imgH int, resolutions []imaging.SubImageInfo) error {
	base := filepath.Base(cachePath)

	info, err := os.Stat(cachePath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", cachePath, err)
	}
	origInfo, err := os.Stat(origPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", origPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.records[canonical]; ok {
		os.Remove(filepath.Join(m.dir, old.CachePath))
		m.cacheSize -= old.FSize
		m.nFiles--
	}

	m.records[canonical] = &Record{
		ImgW:        imgW,
		ImgH:        imgH,
		Resolutions: resolutions,
		OrigPath:    origPath,
		CachePath:   base,
		MTime:       info.ModTime(),
		AccessTime:  time.Now(),
		FSize:       info.Size(),
	}
	m.cacheSize += info.Size()
	m.nFiles++

	if _, ok := m.sizes[origPath]; !ok {
		m.sizes[origPath] = sizeRecord{
			imgW:        imgW,
			imgH:        imgH,
			resolutions: resolutions,
			mtime:       origInfo.ModTime(),
		}
	}

	m.purgeLocked()
	return nil
}

// Remove deletes one record and its file. A pinned record is left alone and
// false is returned.
func (m *Manager) Remove(canonical string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[canonical]
	if !ok {
		return false
	}
	path := filepath.Join(m.dir, rec.CachePath)
	if cnt := m.pins[path]; cnt > 0 {
		m.logger.Warn("cannot remove cache file, in use",
			slog.String("canonical", canonical), slog.Int("pins", cnt))
		return false
	}
	m.logger.Debug("removing from cache", slog.String("cachepath", rec.CachePath))
	os.Remove(path)
	m.cacheSize -= rec.FSize
	delete(m.records, canonical)
	m.nFiles--
	return true
}

// Purge evicts least-recently-accessed records until both configured
// thresholds are below max·hysteresis. Pinned records are skipped. Returns
// the number of evicted records.
func (m *Manager) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked()
}

func (m *Manager) purgeLocked() int {
	if m.maxCacheSize == 0 && m.maxNFiles == 0 {
		return 0
	}
	overSize := m.maxCacheSize > 0 && m.cacheSize >= m.maxCacheSize
	overCount := m.maxNFiles > 0 && m.nFiles >= m.maxNFiles
	if !overSize && !overCount {
		return 0
	}

	type entry struct {
		canonical string
		rec       *Record
	}
	entries := make([]entry, 0, len(m.records))
	for canonical, rec := range m.records {
		entries = append(entries, entry{canonical, rec})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].rec.AccessTime.Before(entries[j].rec.AccessTime)
	})

	sizeGoal := int64(float64(m.maxCacheSize) * m.hysteresis)
	filesGoal := int(float64(m.maxNFiles) * m.hysteresis)

	n := 0
	for _, e := range entries {
		path := filepath.Join(m.dir, e.rec.CachePath)
		if cnt := m.pins[path]; cnt > 0 {
			m.logger.Warn("cannot purge cache file, in use",
				slog.String("canonical", e.canonical), slog.Int("pins", cnt))
			continue
		}
		m.logger.Debug("purging from cache", slog.String("cachepath", e.rec.CachePath))
		os.Remove(path)
		m.cacheSize -= e.rec.FSize
		delete(m.records, e.canonical)
		m.nFiles--
		n++

		sizeOK := m.maxCacheSize == 0 || m.cacheSize < sizeGoal
		filesOK := m.maxNFiles == 0 || m.nFiles < filesGoal
		if sizeOK && filesOK {
			break
		}
	}
	return n
}

// Loop calls visitor for every record in the requested order. The records
// are snapshotted under the lock; the visitor runs outside it.
func (m *Manager) Loop(visitor func(index int, canonical string, rec Record), method SortMethod) {
	type entry struct {
		canonical string
		rec       Record
	}
	m.mu.Lock()
	entries := make([]entry, 0, len(m.records))
	for canonical, rec := range m.records {
		entries = append(entries, entry{canonical, *rec})
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].rec, entries[j].rec
		switch method {
		case SortAccessTimeDesc:
			return a.AccessTime.After(b.AccessTime)
		case SortFSizeAsc:
			return a.FSize < b.FSize
		case SortFSizeDesc:
			return a.FSize > b.FSize
		default:
			return a.AccessTime.Before(b.AccessTime)
		}
	})

	for i, e := range entries {
		visitor(i+1, e.canonical, e.rec)
	}
}

// GetSize returns cached dimensions for an original, or nil on a miss. A
// size record older than the original on disk is evicted and reported as a
// miss so the caller probes the decoder again.
func (m *Manager) GetSize(origPath string) (*SizeInfo, error) {
	info, err := os.Stat(origPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", origPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sr, ok := m.sizes[origPath]
	if !ok {
		return nil, nil
	}
	if info.ModTime().After(sr.mtime) {
		delete(m.sizes, origPath)
		return nil, nil
	}
	return &SizeInfo{ImgW: sr.imgW, ImgH: sr.imgH, Resolutions: sr.resolutions}, nil
}

// PutSize stores the result of a decoder probe so later requests skip
// re-opening the original.
func (m *Manager) PutSize(origPath string, si SizeInfo) error {
	info, err := os.Stat(origPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", origPath, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes[origPath] = sizeRecord{
		imgW:        si.ImgW,
		imgH:        si.ImgH,
		resolutions: si.Resolutions,
		mtime:       info.ModTime(),
	}
	return nil
}

// Flush writes the index file. Called at clean shutdown; the index is
// regenerable, so a missed flush only costs re-rendering.
func (m *Manager) Flush() error {
	m.mu.Lock()
	snapshot := make(map[string]*Record, len(m.records))
	for canonical, rec := range m.records {
		cp := *rec
		snapshot[canonical] = &cp
	}
	m.mu.Unlock()

	m.logger.Debug("writing cache index", slog.Int("records", len(snapshot)))
	return saveIndex(filepath.Join(m.dir, indexFileName), snapshot)
}

// Dir returns the cache directory path.
func (m *Manager) Dir() string { return m.dir }

// CacheSize returns the current number of cached bytes.
func (m *Manager) CacheSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheSize
}

// NFiles returns the current number of cached files.
func (m *Manager) NFiles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nFiles
}
