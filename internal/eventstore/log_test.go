package eventstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustlens/trustlens/pkg/types"
)

func TestLogStoreRotatesSegments(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenLog(dir, 1024)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := s.Append(ctx, testEvent(fmt.Sprintf("rot-%03d", i), 66, baseTime))
		require.NoError(t, err)
	}

	ids, err := listSegments(dir)
	require.NoError(t, err)
	assert.Greater(t, len(ids), 1, "small segment size forces rotation")

	var count int
	require.NoError(t, s.Scan(ctx, 0, func(ev *types.EvaluationEvent) error {
		count++
		assert.Equal(t, uint64(count), ev.Seq)
		return nil
	}))
	assert.Equal(t, 50, count)

	got, err := s.Get(ctx, "rot-000")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Seq)
	require.NoError(t, s.Close())

	s, err = OpenLog(dir, 1024)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(50), s.LastSeq())
}

func TestLogStoreTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenLog(dir, 64*1024*1024)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, testEvent(fmt.Sprintf("t%d", i), 90, baseTime))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	path := filepath.Join(dir, segmentName(0))
	info, err := os.Stat(path)
	require.NoError(t, err)
	goodSize := info.Size()

	// simulate a crash mid-write: half a header plus garbage
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0x00, 0x00, 0x00, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenLog(dir, 64*1024*1024)
	require.NoError(t, err)
	defer s.Close()

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, goodSize, info.Size())
	assert.Equal(t, uint64(3), s.LastSeq())

	ev := testEvent("t3", 90, baseTime)
	_, err = s.Append(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Seq)

	got, err := s.Get(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Seq)
}

func TestLogStoreIgnoresCorruptFrame(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenLog(dir, 64*1024*1024)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Append(ctx, testEvent("c0", 90, baseTime))
	require.NoError(t, err)
	_, err = s.Append(ctx, testEvent("c1", 90, baseTime))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// flip a payload byte of the second frame
	path := filepath.Join(dir, segmentName(0))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	s, err = OpenLog(dir, 64*1024*1024)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint64(1), s.LastSeq())
	_, err = s.Get(ctx, "c1")
	assert.Error(t, err)
}

func TestSegmentNameRoundTrip(t *testing.T) {
	id, ok := parseSegmentName(segmentName(0x2a))
	assert.True(t, ok)
	assert.Equal(t, uint64(0x2a), id)

	_, ok = parseSegmentName("wal_000000000000002a.log")
	assert.False(t, ok)
	_, ok = parseSegmentName("events_zz.log")
	assert.False(t, ok)
}
