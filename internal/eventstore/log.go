package eventstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/trustlens/trustlens/pkg/types"
)

// position locates a stored event on disk.
type position struct {
	seq     uint64
	segment uint64
	offset  int64
}

// LogStore is a segmented append-only log of length+CRC32 framed JSON
// events. Every append is fsynced before it is acknowledged.
type LogStore struct {
	dir        string
	maxSegSize int64

	mu        sync.RWMutex
	segment   *os.File
	segmentID uint64
	offset    int64
	lastSeq   uint64
	byID      map[types.EventID]position
	bySeq     []position // ascending seq
	closed    bool
}

// OpenLog opens (or creates) a log store in dir and rebuilds the id index.
func OpenLog(dir string, maxSegSize int64) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("eventstore: failed to create directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = 64 * 1024 * 1024
	}

	s := &LogStore{
		dir:        dir,
		maxSegSize: maxSegSize,
		byID:       make(map[types.EventID]position),
	}

	start := time.Now()
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	if len(s.bySeq) > 0 {
		log.Printf("eventstore: indexed %d events (last seq %d) in %v", len(s.bySeq), s.lastSeq, time.Since(start))
	}
	return s, nil
}

// loadIndex scans every segment, rebuilding the id and seq indexes. A torn
// tail on the newest segment is truncated so appends continue from the last
// good frame.
func (s *LogStore) loadIndex() error {
	ids, err := listSegments(s.dir)
	if err != nil {
		return fmt.Errorf("eventstore: %w", err)
	}

	for i, id := range ids {
		path := filepath.Join(s.dir, segmentName(id))
		good, err := readSegment(path, -1, func(ev *types.EvaluationEvent, offset int64) error {
			pos := position{seq: ev.Seq, segment: id, offset: offset}
			if _, dup := s.byID[ev.ID]; dup {
				log.Printf("eventstore: duplicate id %s at seq %d ignored", ev.ID, ev.Seq)
				return nil
			}
			s.byID[ev.ID] = pos
			s.bySeq = append(s.bySeq, pos)
			if ev.Seq > s.lastSeq {
				s.lastSeq = ev.Seq
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("eventstore: failed to read segment %s: %w", path, err)
		}

		if i == len(ids)-1 {
			s.segmentID = id
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("eventstore: failed to stat segment: %w", err)
			}
			if info.Size() > good {
				log.Printf("eventstore: truncating torn tail of %s from %d to %d bytes", filepath.Base(path), info.Size(), good)
				if err := os.Truncate(path, good); err != nil {
					return fmt.Errorf("eventstore: failed to truncate torn tail: %w", err)
				}
			}
		}
	}
	return nil
}

// openSegment opens the current segment file for appending.
func (s *LogStore) openSegment() error {
	path := filepath.Join(s.dir, segmentName(s.segmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("eventstore: failed to open segment file: %w", err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("eventstore: failed to seek segment: %w", err)
	}
	s.segment = file
	s.offset = offset
	return nil
}

// rotateSegment opens the next segment and closes the current one. On
// failure the current segment stays open.
func (s *LogStore) rotateSegment() error {
	next := s.segmentID + 1
	file, err := os.OpenFile(filepath.Join(s.dir, segmentName(next)), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("eventstore: failed to open segment file: %w", err)
	}
	if err := s.segment.Close(); err != nil {
		log.Printf("eventstore: failed to close segment %d: %v", s.segmentID, err)
	}
	s.segment = file
	s.segmentID = next
	s.offset = 0
	return nil
}

// Append implements Store.
func (s *LogStore) Append(ctx context.Context, ev *types.EvaluationEvent) (types.EventID, error) {
	if err := Validate(ev); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", writeError(ctx, "append not attempted", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", writeError(ctx, "append failed", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return "", writeError(ctx, "append not attempted", err)
	}
	if _, exists := s.byID[ev.ID]; exists {
		return ev.ID, ErrDuplicateID
	}

	stored := *ev
	stored.Seq = s.lastSeq + 1
	stored.Timestamp = stored.Timestamp.UTC()

	frame, err := encodeFrame(&stored)
	if err != nil {
		return "", writeError(ctx, "append failed", err)
	}

	offset := s.offset
	if _, err := s.segment.Write(frame); err != nil {
		// drop whatever part of the frame made it to disk
		s.segment.Truncate(offset)
		s.segment.Seek(offset, io.SeekStart)
		return "", writeError(ctx, "append failed", err)
	}
	if err := s.segment.Sync(); err != nil {
		s.segment.Truncate(offset)
		s.segment.Seek(offset, io.SeekStart)
		return "", writeError(ctx, "fsync failed", err)
	}

	pos := position{seq: stored.Seq, segment: s.segmentID, offset: offset}
	s.byID[stored.ID] = pos
	s.bySeq = append(s.bySeq, pos)
	s.lastSeq = stored.Seq
	s.offset += int64(len(frame))
	ev.Seq = stored.Seq
	ev.Timestamp = stored.Timestamp

	if s.offset >= s.maxSegSize {
		if err := s.rotateSegment(); err != nil {
			// the event is durable; rotation is retried on the next append
			log.Printf("eventstore: segment rotation failed: %v", err)
		}
	}

	return stored.ID, nil
}

// Get implements Store.
func (s *LogStore) Get(ctx context.Context, id types.EventID) (*types.EvaluationEvent, error) {
	s.mu.RLock()
	pos, ok := s.byID[id]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, readError("get failed", ErrClosed)
	}
	if !ok {
		return nil, notFound(id)
	}
	ev, err := readAt(filepath.Join(s.dir, segmentName(pos.segment)), pos.offset)
	if err != nil {
		return nil, readError("get failed", err)
	}
	return ev, nil
}

// Scan implements Store. It visits events appended before the call started;
// events appended concurrently may or may not be visited.
func (s *LogStore) Scan(ctx context.Context, afterSeq uint64, fn ScanFunc) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return readError("scan failed", ErrClosed)
	}
	ids, err := listSegments(s.dir)
	currentID, currentEnd := s.segmentID, s.offset
	s.mu.RUnlock()
	if err != nil {
		return readError("scan failed", err)
	}

	for _, id := range ids {
		if id > currentID {
			break
		}
		limit := int64(-1)
		if id == currentID {
			limit = currentEnd
		}
		_, err := readSegment(filepath.Join(s.dir, segmentName(id)), limit, func(ev *types.EvaluationEvent, _ int64) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if ev.Seq <= afterSeq {
				return nil
			}
			return fn(ev)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// List implements Store.
func (s *LogStore) List(ctx context.Context, offset, limit int) ([]*types.EvaluationEvent, int, error) {
	s.mu.RLock()
	total := len(s.bySeq)
	var page []position
	if offset < total && limit > 0 {
		end := total - offset
		start := end - limit
		if start < 0 {
			start = 0
		}
		page = make([]position, 0, end-start)
		for i := end - 1; i >= start; i-- {
			page = append(page, s.bySeq[i])
		}
	}
	s.mu.RUnlock()

	events := make([]*types.EvaluationEvent, 0, len(page))
	for _, pos := range page {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		ev, err := readAt(filepath.Join(s.dir, segmentName(pos.segment)), pos.offset)
		if err != nil {
			return nil, 0, readError("list failed", err)
		}
		events = append(events, ev)
	}
	return events, total, nil
}

// LastSeq implements Store.
func (s *LogStore) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// Close fsyncs and closes the current segment.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.segment != nil {
		if err := s.segment.Sync(); err != nil {
			return fmt.Errorf("eventstore: failed to fsync on close: %w", err)
		}
		if err := s.segment.Close(); err != nil {
			return fmt.Errorf("eventstore: failed to close segment: %w", err)
		}
		s.segment = nil
	}
	return nil
}
