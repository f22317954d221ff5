// Package checkpoint persists aggregate state so a restart only replays the
// events appended after the checkpoint watermark.
package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/trustlens/trustlens/internal/aggregate"
	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/internal/storage"
)

// FormatVersion is the checkpoint envelope version.
const FormatVersion = 1

// magic prefixes every encoded checkpoint.
var magic = [4]byte{'T', 'L', 'C', 'K'}

// headerSize is magic(4) + version(4) + crc32(4) of the compressed body.
const headerSize = 12

// Checkpoint is the persisted envelope around aggregate state.
type Checkpoint struct {
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	State     *aggregate.State `json:"state"`
}

// Encode serializes a checkpoint: header followed by snappy(JSON).
func Encode(cp *Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to marshal: %w", err)
	}
	body := snappy.Encode(nil, raw)

	buf := make([]byte, headerSize+len(body))
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(body))
	copy(buf[headerSize:], body)
	return buf, nil
}

// Decode parses a checkpoint produced by Encode.
func Decode(data []byte) (*Checkpoint, error) {
	if len(data) < headerSize || string(data[0:4]) != string(magic[:]) {
		return nil, terrors.NewCheckpointError(terrors.CodeCorrupt, "bad checkpoint header", nil)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != FormatVersion {
		return nil, terrors.NewCheckpointError(terrors.CodeCorrupt, fmt.Sprintf("unsupported checkpoint version %d", v), nil)
	}
	body := data[headerSize:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[8:12]) {
		return nil, terrors.NewCheckpointError(terrors.CodeCorrupt, "checkpoint checksum mismatch", nil)
	}

	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, terrors.NewCheckpointError(terrors.CodeCorrupt, "snappy decompress failed", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, terrors.NewCheckpointError(terrors.CodeCorrupt, "failed to unmarshal checkpoint", err)
	}
	if cp.State == nil {
		return nil, terrors.NewCheckpointError(terrors.CodeCorrupt, "checkpoint has no state", nil)
	}
	return &cp, nil
}

// Manager writes checkpoints to object storage and loads the newest valid one.
type Manager struct {
	store  storage.ObjectStorage
	prefix string
	keep   int
	now    func() time.Time
}

// NewManager creates a manager storing objects under prefix and keeping the
// newest keep checkpoints.
func NewManager(store storage.ObjectStorage, prefix string, keep int) *Manager {
	if keep < 1 {
		keep = 1
	}
	return &Manager{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		keep:   keep,
		now:    time.Now,
	}
}

// objectName returns prefix/ckpt_{watermark:016x}.sz.
func (m *Manager) objectName(watermark uint64) string {
	return path.Join(m.prefix, fmt.Sprintf("ckpt_%016x.sz", watermark))
}

func parseObjectName(name string) (uint64, bool) {
	base := path.Base(name)
	if !strings.HasPrefix(base, "ckpt_") || !strings.HasSuffix(base, ".sz") || len(base) != len("ckpt_")+16+len(".sz") {
		return 0, false
	}
	var wm uint64
	if _, err := fmt.Sscanf(base[5:21], "%016x", &wm); err != nil {
		return 0, false
	}
	return wm, true
}

// Save writes st and prunes older checkpoints. It returns the object path.
func (m *Manager) Save(ctx context.Context, st *aggregate.State) (string, error) {
	data, err := Encode(&Checkpoint{Version: FormatVersion, CreatedAt: m.now().UTC(), State: st})
	if err != nil {
		return "", terrors.NewCheckpointError(terrors.CodeSaveFailed, "encode failed", err)
	}

	name := m.objectName(st.Watermark)
	if err := m.store.Put(ctx, name, data); err != nil {
		return "", terrors.NewCheckpointError(terrors.CodeSaveFailed, "upload failed", err)
	}
	log.Printf("checkpoint: saved %s (watermark %d, %d days, %d ids, %d bytes)",
		name, st.Watermark, len(st.Days), len(st.SeenIDs), len(data))

	if err := m.prune(ctx); err != nil {
		log.Printf("checkpoint: prune failed: %v", err)
	}
	return name, nil
}

type object struct {
	name      string
	watermark uint64
}

// list returns checkpoint objects, newest first.
func (m *Manager) list(ctx context.Context) ([]object, error) {
	names, err := m.store.ListObjects(ctx, m.prefix)
	if err != nil {
		return nil, err
	}
	var objects []object
	for _, name := range names {
		if wm, ok := parseObjectName(name); ok {
			objects = append(objects, object{name: name, watermark: wm})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].watermark > objects[j].watermark })
	return objects, nil
}

func (m *Manager) prune(ctx context.Context) error {
	objects, err := m.list(ctx)
	if err != nil {
		return err
	}
	if len(objects) <= m.keep {
		return nil
	}
	for _, obj := range objects[m.keep:] {
		if err := m.store.Delete(ctx, obj.name); err != nil {
			return err
		}
	}
	return nil
}

// LoadLatest returns the newest checkpoint that decodes cleanly, skipping
// corrupt ones. It returns nil without error when none exists.
func (m *Manager) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	objects, err := m.list(ctx)
	if err != nil {
		return nil, terrors.NewCheckpointError(terrors.CodeLoadFailed, "failed to list checkpoints", err)
	}

	for _, obj := range objects {
		data, err := m.store.Get(ctx, obj.name)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				continue
			}
			return nil, terrors.NewCheckpointError(terrors.CodeLoadFailed, "failed to download "+obj.name, err)
		}
		cp, err := Decode(data)
		if err != nil {
			log.Printf("checkpoint: skipping %s: %v", obj.name, err)
			continue
		}
		if cp.State.Watermark != obj.watermark {
			log.Printf("checkpoint: skipping %s: watermark %d does not match name", obj.name, cp.State.Watermark)
			continue
		}
		return cp, nil
	}
	return nil, nil
}
