package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustlens/trustlens/internal/aggregate"
	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/internal/storage"
	"github.com/trustlens/trustlens/internal/trend"
	"github.com/trustlens/trustlens/pkg/types"
)

func sampleState(watermark uint64) *aggregate.State {
	horizon := types.Date(20500)
	return &aggregate.State{
		Global: aggregate.GlobalAggregate{TotalCount: 3, ScoreUnits: types.ScoreUnits(240), AllowedCount: 2, WarnedCount: 1},
		Days: []trend.DailyAggregate{
			{Date: 20510, Count: 3, ScoreUnits: types.ScoreUnits(240), AllowedCount: 2, WarnedCount: 1},
		},
		Horizon:   &horizon,
		SeenIDs:   []types.EventID{"a", "b", "c"},
		Watermark: watermark,
	}
}

func newManager(t *testing.T, keep int) (*Manager, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store, "checkpoints", keep)
	m.now = func() time.Time { return time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC) }
	return m, store
}

func TestEncodeDecode(t *testing.T) {
	cp := &Checkpoint{Version: FormatVersion, CreatedAt: time.Unix(1700000000, 0).UTC(), State: sampleState(9)}
	data, err := Encode(cp)
	require.NoError(t, err)
	assert.Equal(t, "TLCK", string(data[:4]))

	back, err := Decode(data)
	require.NoError(t, err)

	want, _ := json.Marshal(cp.State)
	got, _ := json.Marshal(back.State)
	assert.Equal(t, string(want), string(got))
}

func TestDecodeRejectsCorruption(t *testing.T) {
	data, err := Encode(&Checkpoint{Version: FormatVersion, State: sampleState(1)})
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = Decode(flipped)
	assert.Equal(t, terrors.CodeCorrupt, terrors.GetCode(err))

	_, err = Decode([]byte("nope"))
	assert.Equal(t, terrors.CodeCorrupt, terrors.GetCode(err))

	badVersion := append([]byte(nil), data...)
	badVersion[4] = 9
	_, err = Decode(badVersion)
	assert.Error(t, err)
}

func TestSaveAndLoadLatest(t *testing.T) {
	m, _ := newManager(t, 3)
	ctx := context.Background()

	cp, err := m.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp, "no checkpoint yet")

	for _, wm := range []uint64{5, 12, 8} {
		_, err := m.Save(ctx, sampleState(wm))
		require.NoError(t, err)
	}

	cp, err = m.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(12), cp.State.Watermark)
	assert.Equal(t, int64(3), cp.State.Global.TotalCount)
}

func TestSavePrunesOldCheckpoints(t *testing.T) {
	m, store := newManager(t, 2)
	ctx := context.Background()

	for wm := uint64(1); wm <= 5; wm++ {
		_, err := m.Save(ctx, sampleState(wm))
		require.NoError(t, err)
	}

	objects, err := store.ListObjects(ctx, "checkpoints")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"checkpoints/ckpt_0000000000000004.sz",
		"checkpoints/ckpt_0000000000000005.sz",
	}, objects)
}

func TestLoadLatestSkipsCorrupt(t *testing.T) {
	m, store := newManager(t, 5)
	ctx := context.Background()

	_, err := m.Save(ctx, sampleState(3))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "checkpoints/ckpt_0000000000000009.sz", []byte("garbage")))

	cp, err := m.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(3), cp.State.Watermark)
}

func TestParseObjectName(t *testing.T) {
	wm, ok := parseObjectName("checkpoints/ckpt_00000000000000ff.sz")
	assert.True(t, ok)
	assert.Equal(t, uint64(255), wm)

	_, ok = parseObjectName("checkpoints/other.json")
	assert.False(t, ok)
}
