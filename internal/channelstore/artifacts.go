package channelstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Visibility controls who may retrieve an artifact through commands.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ArtifactRecord is one line of artifacts.index.jsonl.
type ArtifactRecord struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	ArtifactType   string     `json:"artifact_type"`
	Visibility     Visibility `json:"visibility"`
	RelativePath   string     `json:"relative_path"`
	Bytes          int64      `json:"bytes"`
	ChecksumSHA256 string     `json:"checksum_sha256"`
	CreatedUnixMs  uint64     `json:"created_unix_ms"`
	ExpiresUnixMs  uint64     `json:"expires_unix_ms,omitempty"`
}

// Expired reports whether the record has passed its expiry at now.
func (r ArtifactRecord) Expired(nowMs uint64) bool {
	return r.ExpiresUnixMs != 0 && r.ExpiresUnixMs <= nowMs
}

// WriteTextArtifact stores body under artifacts/{id}.{ext}, records its
// SHA-256 checksum, appends an index row, and returns the record.
// retentionDays of 0 means the artifact never expires.
func (s *Store) WriteTextArtifact(runID, artifactType string, visibility Visibility, retentionDays int, ext, body string, nowMs uint64) (*ArtifactRecord, error) {
	id := uuid.NewString()
	rel := filepath.Join(artifactDir, id+"."+ext)
	abs := filepath.Join(s.dir, rel)

	if err := os.WriteFile(abs, []byte(body), 0o644); err != nil {
		return nil, fmt.Errorf("write artifact body: %w", err)
	}

	sum := sha256.Sum256([]byte(body))
	rec := ArtifactRecord{
		ID:             id,
		RunID:          runID,
		ArtifactType:   artifactType,
		Visibility:     visibility,
		RelativePath:   rel,
		Bytes:          int64(len(body)),
		ChecksumSHA256: hex.EncodeToString(sum[:]),
		CreatedUnixMs:  nowMs,
	}
	if retentionDays > 0 {
		rec.ExpiresUnixMs = nowMs + uint64(retentionDays)*24*60*60*1000
	}

	if err := appendJSONL(filepath.Join(s.dir, indexFile), rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadArtifactRecordsTolerant returns all index rows plus the count of
// invalid lines encountered.
func (s *Store) LoadArtifactRecordsTolerant() ([]ArtifactRecord, int, error) {
	var records []ArtifactRecord
	invalid, err := readJSONL(filepath.Join(s.dir, indexFile), func(line []byte) bool {
		var r ArtifactRecord
		if json.Unmarshal(line, &r) != nil || r.ID == "" {
			return false
		}
		records = append(records, r)
		return true
	})
	return records, invalid, err
}

// ReadArtifactBody returns the body of an artifact by record.
func (s *Store) ReadArtifactBody(rec ArtifactRecord) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, rec.RelativePath))
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", rec.ID, err)
	}
	return string(data), nil
}

// ListActiveArtifacts returns the records that have not expired at nowMs.
func (s *Store) ListActiveArtifacts(nowMs uint64) ([]ArtifactRecord, error) {
	records, _, err := s.LoadArtifactRecordsTolerant()
	if err != nil {
		return nil, err
	}
	active := records[:0]
	for _, r := range records {
		if !r.Expired(nowMs) {
			active = append(active, r)
		}
	}
	return active, nil
}

// PurgeExpiredArtifacts removes expired artifact files and rewrites the
// index keeping only live, valid rows. Returns the number of purged
// records and invalid index lines dropped.
func (s *Store) PurgeExpiredArtifacts(nowMs uint64) (purged, invalid int, err error) {
	records, invalid, err := s.LoadArtifactRecordsTolerant()
	if err != nil {
		return 0, 0, err
	}

	var kept []ArtifactRecord
	for _, r := range records {
		if r.Expired(nowMs) {
			if rmErr := os.Remove(filepath.Join(s.dir, r.RelativePath)); rmErr != nil && !os.IsNotExist(rmErr) {
				return purged, invalid, fmt.Errorf("remove expired artifact %s: %w", r.ID, rmErr)
			}
			purged++
			continue
		}
		kept = append(kept, r)
	}

	if purged == 0 && invalid == 0 {
		return 0, 0, nil
	}

	var buf []byte
	for _, r := range kept {
		line, mErr := json.Marshal(r)
		if mErr != nil {
			return purged, invalid, fmt.Errorf("marshal index row: %w", mErr)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := writeFileAtomic(filepath.Join(s.dir, indexFile), buf); err != nil {
		return purged, invalid, err
	}
	return purged, invalid, nil
}
