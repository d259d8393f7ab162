// Package checkpoint provides durable, atomic artifact persistence under a
// filesystem hierarchy of <base>/<session>/<artifact>. Writes go through a
// temp file and rename, so no partial artifact is ever visible to readers.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
	"github.com/hearthconnect/otto-sub000/pkg/session"
	"github.com/hearthconnect/otto-sub000/pkg/telemetry"
)

// tempSuffix marks in-flight writes; ListArtifacts never returns them.
const tempSuffix = ".tmp"

// ArtifactType classifies what a checkpoint contains.
type ArtifactType string

const (
	ArtifactTranscript   ArtifactType = "transcript"
	ArtifactResult       ArtifactType = "result"
	ArtifactIntermediate ArtifactType = "intermediate"
)

// ArtifactRef identifies one durably written artifact. The checksum is the
// sha256 of the bytes at write time; loads do not re-verify it (advisory
// metadata, not an integrity gate).
type ArtifactRef struct {
	SessionID string       `json:"session_id"`
	Type      ArtifactType `json:"type"`
	Path      string       `json:"path"`
	Size      int64        `json:"size"`
	Checksum  string       `json:"checksum"`
	CreatedAt time.Time    `json:"created_at"`
}

// SaveOptions customizes a single save.
type SaveOptions struct {
	// Filename overrides the generated artifact filename.
	Filename string
}

// Stats aggregates store contents.
type Stats struct {
	SessionCount  int   `json:"session_count"`
	ArtifactCount int   `json:"artifact_count"`
	TotalBytes    int64 `json:"total_bytes"`
}

// Store manages artifact persistence for all sessions.
type Store struct {
	baseDir   string
	retention time.Duration
}

// NewStore creates a checkpoint store rooted at baseDir. Sessions older than
// retention are eligible for CleanupExpired; zero retention disables cleanup.
func NewStore(baseDir string, retention time.Duration) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "checkpoint store requires a base directory")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to create checkpoint directory")
	}
	return &Store{baseDir: baseDir, retention: retention}, nil
}

// SaveArtifact durably writes content for the session and returns its ref.
// The session directory is created on first write; the write lands in a
// temp file beside the target and is renamed into place, which keeps
// concurrent writers to the same session from ever exposing partial bytes.
func (s *Store) SaveArtifact(sessionID string, typ ArtifactType, content []byte, opts *SaveOptions) (*ArtifactRef, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "session id cannot be empty")
	}

	dir := filepath.Join(s.baseDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to create session directory")
	}

	name := ""
	if opts != nil {
		name = strings.TrimSpace(opts.Filename)
	}
	if name == "" {
		name = fmt.Sprintf("%s-%s", typ, session.NewCallID())
	}
	if strings.HasSuffix(name, tempSuffix) {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid, "artifact filename may not end in %s", tempSuffix)
	}

	tmp, err := os.CreateTemp(dir, name+".*"+tempSuffix)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to write artifact")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to sync artifact")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to close temp file")
	}

	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to finalize artifact")
	}

	telemetry.RecordCheckpointBytes(int64(len(content)))

	sum := sha256.Sum256(content)
	return &ArtifactRef{
		SessionID: sessionID,
		Type:      typ,
		Path:      finalPath,
		Size:      int64(len(content)),
		Checksum:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now(),
	}, nil
}

// LoadArtifact reads the bytes at ref.Path. The stored checksum is not
// re-validated against the current file contents.
func (s *Store) LoadArtifact(ref *ArtifactRef) ([]byte, error) {
	if ref == nil {
		return nil, errors.New(errors.ErrCodeLoadFailed, "nil artifact ref")
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to read artifact").
			WithContext("path", ref.Path)
	}
	return data, nil
}

// ListArtifacts returns refs for every finalized artifact of the session,
// sorted by filename. In-flight temp files are excluded. Listed refs carry
// no checksum; checksums are recorded only at write time.
func (s *Store) ListArtifacts(sessionID string) ([]*ArtifactRef, error) {
	dir := filepath.Join(s.baseDir, sessionID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to read session directory")
	}

	var refs []*ArtifactRef
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), tempSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		refs = append(refs, &ArtifactRef{
			SessionID: sessionID,
			Path:      filepath.Join(dir, entry.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

// CleanupExpired removes session directories strictly older than the
// retention window and returns how many were removed. A session whose age
// exactly equals the retention window is preserved, so clock ties at the
// boundary never cause premature deletion.
func (s *Store) CleanupExpired() (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to read checkpoint base directory")
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		age := s.sessionTimestamp(filepath.Join(s.baseDir, entry.Name()))
		if age.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.baseDir, entry.Name())); err != nil {
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// PruneSessions keeps the newest keep sessions and removes the rest,
// returning how many were deleted.
func (s *Store) PruneSessions(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to read checkpoint base directory")
	}

	type aged struct {
		name string
		ts   time.Time
	}
	var sessions []aged
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessions = append(sessions, aged{
			name: entry.Name(),
			ts:   s.sessionTimestamp(filepath.Join(s.baseDir, entry.Name())),
		})
	}
	if len(sessions) <= keep {
		return 0, nil
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ts.After(sessions[j].ts) })

	deleted := 0
	for _, sess := range sessions[keep:] {
		if err := os.RemoveAll(filepath.Join(s.baseDir, sess.name)); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// GetStats walks the store and aggregates totals.
func (s *Store) GetStats() (Stats, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return Stats{}, errors.Wrap(err, errors.ErrCodeLoadFailed, "failed to read checkpoint base directory")
	}

	stats := Stats{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stats.SessionCount++
		files, err := os.ReadDir(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() || strings.HasSuffix(file.Name(), tempSuffix) {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			stats.ArtifactCount++
			stats.TotalBytes += info.Size()
		}
	}
	return stats, nil
}

// sessionTimestamp returns the newest artifact modtime in a session
// directory, falling back to the directory's own modtime when empty.
func (s *Store) sessionTimestamp(dir string) time.Time {
	info, err := os.Stat(dir)
	newest := time.Time{}
	if err == nil {
		newest = info.ModTime()
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return newest
	}
	for _, file := range files {
		fi, err := file.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest
}
