package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/ledgerguard/pkg/detectors/iforest"
	"github.com/hed1ad/ledgerguard/pkg/detectors/scaler"
	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// SchemaVersion is written into both artifact documents.
const SchemaVersion = 1

// ErrArtifactIO is matched by every ArtifactIOError.
var ErrArtifactIO = errors.New("artifact i/o failed")

// ArtifactIOError reports an unreadable, unwritable or corrupt artifact.
type ArtifactIOError struct {
	Op       string
	Location string
	Err      error
}

func (e *ArtifactIOError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *ArtifactIOError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrArtifactIO) hold.
func (e *ArtifactIOError) Is(target error) bool {
	return target == ErrArtifactIO
}

// ArtifactStore persists whole snapshots.
type ArtifactStore interface {
	// Save writes both artifact documents for snap.
	Save(ctx context.Context, snap *Snapshot) error

	// Load reads the last saved snapshot. A missing document yields an empty
	// snapshot and no error.
	Load(ctx context.Context) (*Snapshot, error)
}

type scalerDocument struct {
	SchemaVersion int                    `json:"schema_version"`
	WrittenAt     time.Time              `json:"written_at"`
	Scalers       map[string]scalerEntry `json:"scalers"`
}

type scalerEntry struct {
	RunID     uuid.UUID     `json:"run_id"`
	TrainedAt time.Time     `json:"trained_at"`
	Params    scaler.Params `json:"params"`
}

type forestDocument struct {
	SchemaVersion int                    `json:"schema_version"`
	WrittenAt     time.Time              `json:"written_at"`
	Forests       map[string]forestEntry `json:"forests"`
}

type forestEntry struct {
	RunID     uuid.UUID      `json:"run_id"`
	TrainedAt time.Time      `json:"trained_at"`
	Params    iforest.Params `json:"params"`
}

// EncodeSnapshot renders snap as the scaler and forest documents.
// Both carry the same written_at so a reader can detect a half-finished write.
func EncodeSnapshot(snap *Snapshot, writtenAt time.Time) (scalers, forests []byte, err error) {
	sd := scalerDocument{
		SchemaVersion: SchemaVersion,
		WrittenAt:     writtenAt.UTC(),
		Scalers:       make(map[string]scalerEntry, snap.Len()),
	}
	fd := forestDocument{
		SchemaVersion: SchemaVersion,
		WrittenAt:     writtenAt.UTC(),
		Forests:       make(map[string]forestEntry, snap.Len()),
	}

	for id, p := range snap.pairs {
		key := id.String()
		sd.Scalers[key] = scalerEntry{RunID: p.RunID, TrainedAt: p.TrainedAt.UTC(), Params: p.Scaler.Params()}
		fd.Forests[key] = forestEntry{RunID: p.RunID, TrainedAt: p.TrainedAt.UTC(), Params: p.Forest.Params()}
	}

	scalers, err = json.MarshalIndent(sd, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode scalers: %w", err)
	}
	forests, err = json.Marshal(fd)
	if err != nil {
		return nil, nil, fmt.Errorf("encode forests: %w", err)
	}
	return scalers, forests, nil
}

// DroppedEntry is a tenant present in only one document, or with differing run ids.
type DroppedEntry struct {
	TenantID posting.TenantID
	Reason   string
}

// DecodeSnapshot rebuilds a snapshot from the two documents. Tenants that cannot
// be paired from the same run are dropped and reported, never mixed.
func DecodeSnapshot(scalers, forests []byte) (*Snapshot, []DroppedEntry, error) {
	var sd scalerDocument
	if err := json.Unmarshal(scalers, &sd); err != nil {
		return nil, nil, fmt.Errorf("decode scalers: %w", err)
	}
	var fd forestDocument
	if err := json.Unmarshal(forests, &fd); err != nil {
		return nil, nil, fmt.Errorf("decode forests: %w", err)
	}

	if sd.SchemaVersion != SchemaVersion || fd.SchemaVersion != SchemaVersion {
		return nil, nil, fmt.Errorf("unsupported schema versions %d/%d, want %d", sd.SchemaVersion, fd.SchemaVersion, SchemaVersion)
	}
	if !sd.WrittenAt.Equal(fd.WrittenAt) {
		return nil, nil, fmt.Errorf("documents come from different writes (%s vs %s)",
			sd.WrittenAt.Format(time.RFC3339Nano), fd.WrittenAt.Format(time.RFC3339Nano))
	}

	var dropped []DroppedEntry
	pairs := make(map[posting.TenantID]*ModelPair, len(sd.Scalers))

	for key, se := range sd.Scalers {
		id, err := posting.ParseTenantID(key)
		if err != nil {
			return nil, nil, fmt.Errorf("tenant key %q: %w", key, err)
		}
		fe, ok := fd.Forests[key]
		if !ok {
			dropped = append(dropped, DroppedEntry{TenantID: id, Reason: "forest missing"})
			continue
		}
		if se.RunID != fe.RunID {
			dropped = append(dropped, DroppedEntry{TenantID: id, Reason: fmt.Sprintf("run id mismatch (scaler %s, forest %s)", se.RunID, fe.RunID)})
			continue
		}

		s, err := scaler.FromParams(se.Params)
		if err != nil {
			return nil, nil, fmt.Errorf("tenant %s: %w", key, err)
		}
		f, err := iforest.FromParams(fe.Params)
		if err != nil {
			return nil, nil, fmt.Errorf("tenant %s: %w", key, err)
		}
		pair, err := NewModelPair(id, se.RunID, s, f, se.TrainedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("tenant %s: %w", key, err)
		}
		pairs[id] = pair
	}

	for key := range fd.Forests {
		if _, ok := sd.Scalers[key]; ok {
			continue
		}
		id, err := posting.ParseTenantID(key)
		if err != nil {
			return nil, nil, fmt.Errorf("tenant key %q: %w", key, err)
		}
		dropped = append(dropped, DroppedEntry{TenantID: id, Reason: "scaler missing"})
	}

	sort.Slice(dropped, func(i, j int) bool { return dropped[i].TenantID < dropped[j].TenantID })
	return NewSnapshot(pairs), dropped, nil
}
