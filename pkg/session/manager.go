package session

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/config"
)

const (
	currentMarkerFile = "current_session.json"
	indexFile         = "sessions_index.json"
)

// IndexEntry is the cheap per-session record kept in
// sessions_index.json so listing and search need not load snapshots.
type IndexEntry struct {
	State            State     `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	MessageCount     int       `json:"message_count"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	Summary          string    `json:"summary,omitempty"`
}

// currentMarker is rewritten on each save; its absence implies a clean
// shutdown.
type currentMarker struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager owns the live snapshot and its on-disk representation. One
// manager per process; safe for concurrent use. A single session is
// current at a time: auto-save, crash recovery and the clean-shutdown
// marker track the most recently started session, while executions on
// other sessions persist through explicit Save calls.
type Manager struct {
	dir         string
	maxSessions int
	interval    time.Duration
	gzipOver    int
	logger      *slog.Logger

	mu      sync.Mutex
	current *Snapshot
	dirty   bool
	index   map[string]IndexEntry

	saveCh chan struct{}
	doneCh chan struct{}
}

// NewManager builds a manager over cfg.Dir. The directory is created
// on demand.
func NewManager(cfg config.SessionConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir %s: %w", cfg.Dir, err)
	}
	m := &Manager{
		dir:         cfg.Dir,
		maxSessions: cfg.MaxSessions,
		interval:    time.Duration(cfg.AutoSaveIntervalSeconds) * time.Second,
		gzipOver:    cfg.CompressionThresholdBytes,
		logger:      logger,
		index:       make(map[string]IndexEntry),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}
	if err := m.loadIndex(); err != nil {
		return nil, err
	}
	return m, nil
}

// Start launches the auto-save loop. It flushes the current snapshot
// when dirty, on the configured cadence or an explicit save signal,
// and exits when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.flushIfDirty()
				return
			case <-ticker.C:
				m.flushIfDirty()
			case <-m.saveCh:
				m.flushIfDirty()
			}
		}
	}()
}

// Wait blocks until the auto-save loop has drained after Start's ctx
// was cancelled.
func (m *Manager) Wait() { <-m.doneCh }

// StartSession makes a snapshot current and active. An empty id
// creates a fresh session.
func (m *Manager) StartSession(sessionID string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.loadLocked(sessionID)
	if sessionID == "" || err != nil {
		snap = NewSnapshot(sessionID)
	}
	snap.State = StateActive
	snap.UpdatedAt = time.Now().UTC()
	m.current = snap
	m.dirty = true
	return snap
}

// Current returns the live snapshot, or nil when no session is open.
func (m *Manager) Current() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// MarkDirty flags the live snapshot for the next auto-save pass.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// Save persists a snapshot, updates the index and the current-session
// marker, and prunes retention.
func (m *Manager) Save(snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(snap)
}

// saveLocked serializes a consistent copy of the snapshot so the
// supervisor may keep appending to the live one mid-save.
func (m *Manager) saveLocked(snap *Snapshot) error {
	shadow := snap.clone()
	shadow.UpdatedAt = time.Now().UTC()
	if err := shadow.Seal(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(shadow, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing session %s: %w", shadow.SessionID, err)
	}

	plain := filepath.Join(m.dir, shadow.SessionID+".json")
	packed := plain + ".gz"
	if len(data) > m.gzipOver {
		if err := writeGzipAtomic(packed, data); err != nil {
			return err
		}
		os.Remove(plain)
	} else {
		if err := writeFileAtomic(plain, data); err != nil {
			return err
		}
		os.Remove(packed)
	}

	m.index[shadow.SessionID] = IndexEntry{
		State:            shadow.State,
		CreatedAt:        shadow.CreatedAt,
		UpdatedAt:        shadow.UpdatedAt,
		MessageCount:     len(shadow.Messages),
		WorkingDirectory: shadow.WorkingDirectory,
		Summary:          shadow.Summary(),
	}
	m.pruneLocked()
	if err := m.writeIndexLocked(); err != nil {
		return err
	}

	marker, err := json.Marshal(currentMarker{SessionID: shadow.SessionID, UpdatedAt: shadow.UpdatedAt})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(m.dir, currentMarkerFile), marker); err != nil {
		return err
	}
	if m.current != nil && m.current.SessionID == shadow.SessionID {
		m.dirty = false
	}
	return nil
}

// Load reads a snapshot by id, trying the plain file first and the
// gzipped variant second. A checksum mismatch is logged and recorded
// in metadata but the snapshot is still returned.
func (m *Manager) Load(sessionID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(sessionID)
}

func (m *Manager) loadLocked(sessionID string) (*Snapshot, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("empty session id")
	}
	data, err := os.ReadFile(filepath.Join(m.dir, sessionID+".json"))
	if err != nil {
		data, err = readGzip(filepath.Join(m.dir, sessionID+".json.gz"))
		if err != nil {
			return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
		}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", sessionID, err)
	}
	ok, err := snap.Verify()
	if err != nil {
		return nil, err
	}
	if !ok {
		m.logger.Warn("session checksum mismatch, returning best-effort snapshot", "session", sessionID)
		if snap.Metadata == nil {
			snap.Metadata = make(map[string]string)
		}
		snap.Metadata["checksum_mismatch"] = "true"
	}
	return &snap, nil
}

// CheckForCrashRecovery inspects the current-session marker left by a
// previous process. An active snapshot behind the marker means that
// process died mid-session; it is marked crashed and returned for
// recovery. A clean shutdown leaves no marker.
func (m *Manager) CheckForCrashRecovery() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(m.dir, currentMarkerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var marker currentMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		m.logger.Warn("unreadable current-session marker, ignoring", "error", err)
		return nil, nil
	}
	snap, err := m.loadLocked(marker.SessionID)
	if err != nil {
		m.logger.Warn("current-session marker points at unloadable snapshot", "session", marker.SessionID, "error", err)
		return nil, nil
	}
	if snap.State != StateActive {
		return nil, nil
	}
	snap.State = StateCrashed
	if err := m.saveLocked(snap); err != nil {
		return nil, err
	}
	m.logger.Info("crashed session detected", "session", snap.SessionID,
		"messages", len(snap.Messages), "pending_operations", len(snap.PendingOperations))
	return snap, nil
}

// ResumeSession reloads a crashed session, marks it recovered and
// makes it current. Messages and pending operations survive intact.
func (m *Manager) ResumeSession(sessionID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.loadLocked(sessionID)
	if err != nil {
		return nil, err
	}
	snap.State = StateRecovered
	if err := m.saveLocked(snap); err != nil {
		return nil, err
	}
	m.current = snap
	return snap, nil
}

// CompleteSession finalizes the current session and clears the marker,
// signalling a clean shutdown.
func (m *Manager) CompleteSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	m.current.State = StateCompleted
	if err := m.saveLocked(m.current); err != nil {
		return err
	}
	os.Remove(filepath.Join(m.dir, currentMarkerFile))
	m.current = nil
	m.dirty = false
	return nil
}

// List returns index entries sorted by updated_at descending.
func (m *Manager) List() map[string]IndexEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]IndexEntry, len(m.index))
	for id, e := range m.index {
		out[id] = e
	}
	return out
}

// SearchResult pairs a session id with the entry that matched.
type SearchResult struct {
	SessionID string
	Entry     IndexEntry
}

// Search scans index summaries first and falls back to a full-message
// scan of stored snapshots, short-circuiting at limit.
func (m *Manager) Search(query string, limit int) []SearchResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(query)
	var results []SearchResult
	matched := make(map[string]bool)

	for _, id := range m.sortedIDsLocked() {
		entry := m.index[id]
		if strings.Contains(strings.ToLower(entry.Summary), needle) {
			results = append(results, SearchResult{SessionID: id, Entry: entry})
			matched[id] = true
			if len(results) >= limit {
				return results
			}
		}
	}

	for _, id := range m.sortedIDsLocked() {
		if matched[id] {
			continue
		}
		snap, err := m.loadLocked(id)
		if err != nil {
			continue
		}
		for _, msg := range snap.Messages {
			if strings.Contains(strings.ToLower(msg.Content), needle) {
				results = append(results, SearchResult{SessionID: id, Entry: m.index[id]})
				break
			}
		}
		if len(results) >= limit {
			break
		}
	}
	return results
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.index))
	for id := range m.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.index[ids[i]].UpdatedAt.After(m.index[ids[j]].UpdatedAt)
	})
	return ids
}

// pruneLocked enforces retention: at most maxSessions kept, oldest by
// updated_at removed first.
func (m *Manager) pruneLocked() {
	if m.maxSessions <= 0 || len(m.index) <= m.maxSessions {
		return
	}
	ids := m.sortedIDsLocked()
	for _, id := range ids[m.maxSessions:] {
		delete(m.index, id)
		os.Remove(filepath.Join(m.dir, id+".json"))
		os.Remove(filepath.Join(m.dir, id+".json.gz"))
		m.logger.Debug("pruned session", "session", id)
	}
}

func (m *Manager) flushIfDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty || m.current == nil {
		return
	}
	if err := m.saveLocked(m.current); err != nil {
		m.logger.Error("session auto-save failed", "session", m.current.SessionID, "error", err)
	}
}

func (m *Manager) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(m.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &m.index); err != nil {
		m.logger.Warn("unreadable session index, rebuilding", "error", err)
		m.index = make(map[string]IndexEntry)
	}
	return nil
}

func (m *Manager) writeIndexLocked() error {
	data, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(m.dir, indexFile), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeGzipAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
