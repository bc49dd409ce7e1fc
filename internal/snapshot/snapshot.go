// Package snapshot persists pre-mutation file content so any applied action
// can be undone. Bundles are immutable once written and expire after a
// retention window.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Retention is how long a snapshot stays restorable.
const Retention = 30 * 24 * time.Hour

// Sentinel errors for restore.
var (
	ErrNotFound = errors.New("snapshot not found")
	ErrExpired  = errors.New("snapshot expired")
)

// File is one captured file: its pre-mutation content, or the fact that it
// did not exist. Restoring an absent file deletes whatever the action
// created at that path.
type File struct {
	Existed bool   `json:"existed"`
	Content []byte `json:"content"`
}

// Existing captures a file that was present before mutation.
func Existing(content []byte) File {
	if content == nil {
		content = []byte{}
	}
	return File{Existed: true, Content: content}
}

// Absent marks a path the action created; there is nothing to write back.
func Absent() File {
	return File{}
}

// Bundle is one undo snapshot: the original state of every file an action
// was about to change, keyed by workspace-relative path.
type Bundle struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Files     map[string]File `json:"files"`
}

// Info is a listing entry.
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	FileCount int       `json:"file_count"`
}

// RestoreResult reports which files were written back. Failed is non-empty
// only when the filesystem rejected individual writes after validation; the
// restore is then partial and the operator sees exactly which paths failed.
type RestoreResult struct {
	Restored []string
	Failed   map[string]string
}

// Partial reports whether any file failed to restore.
func (r RestoreResult) Partial() bool { return len(r.Failed) > 0 }

// Manager stores bundles as JSON files under a directory.
type Manager struct {
	dir   string
	clock func() time.Time
}

// NewManager creates a snapshot manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, clock: time.Now}
}

// WithClock overrides the manager's clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Take persists the given original file states and returns the snapshot
// id. The id is derived from the content hash plus the creation time, so two
// snapshots of identical content taken at different moments stay distinct.
func (m *Manager) Take(files map[string]File) (string, error) {
	if len(files) == 0 {
		return "", errors.New("snapshot: no files to capture")
	}
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	for path, f := range files {
		if f.Existed && f.Content == nil {
			files[path] = File{Existed: true, Content: []byte{}}
		}
	}

	now := m.clock().UTC()
	b := Bundle{
		ID:        contentID(files, now),
		CreatedAt: now,
		ExpiresAt: now.Add(Retention),
		Files:     files,
	}

	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	path := m.path(b.ID)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("snapshot %s already exists", b.ID)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return b.ID, nil
}

// Load reads a bundle by id without restoring it.
func (m *Manager) Load(id string) (*Bundle, error) {
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", id, err)
	}
	return &b, nil
}

// Restore writes the bundle's files back into the workspace. Files that did
// not exist when the snapshot was taken are deleted. It fails closed: an
// unknown id, an expired bundle, or a malformed bundle touches nothing.
// Individual write failures after validation are reported per path in the
// result.
func (m *Manager) Restore(workspace, id string) (RestoreResult, error) {
	var res RestoreResult

	b, err := m.Load(id)
	if err != nil {
		return res, err
	}
	if m.clock().After(b.ExpiresAt) {
		return res, ErrExpired
	}

	// Validate before any write.
	paths := make([]string, 0, len(b.Files))
	for path, f := range b.Files {
		if f.Existed && f.Content == nil {
			return res, fmt.Errorf("snapshot %s: missing content for %s", id, path)
		}
		if !f.Existed && len(f.Content) > 0 {
			return res, fmt.Errorf("snapshot %s: content for absent file %s", id, path)
		}
		if filepath.IsAbs(path) || strings.Contains(path, "..") {
			return res, fmt.Errorf("snapshot %s: unsafe path %s", id, path)
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	res.Failed = make(map[string]string)
	for _, path := range paths {
		target := filepath.Join(workspace, path)
		f := b.Files[path]
		if !f.Existed {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				res.Failed[path] = err.Error()
				continue
			}
			res.Restored = append(res.Restored, path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			res.Failed[path] = err.Error()
			continue
		}
		if err := os.WriteFile(target, f.Content, 0644); err != nil {
			res.Failed[path] = err.Error()
			continue
		}
		res.Restored = append(res.Restored, path)
	}
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res, nil
}

// List returns all stored bundles, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := m.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			ID:        b.ID,
			CreatedAt: b.CreatedAt,
			ExpiresAt: b.ExpiresAt,
			FileCount: len(b.Files),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// Discard removes a bundle by id.
func (m *Manager) Discard(id string) error {
	if err := os.Remove(m.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("discard snapshot: %w", err)
	}
	return nil
}

// Sweep deletes every bundle past its expiry and returns how many were
// removed.
func (m *Manager) Sweep(now time.Time) (int, error) {
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		if now.After(info.ExpiresAt) {
			if err := m.Discard(info.ID); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func contentID(files map[string]File, now time.Time) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		if files[p].Existed {
			h.Write([]byte{1})
			h.Write(files[p].Content)
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12] + "-" + now.Format("20060102T150405Z")
}
