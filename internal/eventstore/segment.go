package eventstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/trustlens/trustlens/pkg/types"
)

// frameHeaderSize is [length:4][crc32:4], little endian.
const frameHeaderSize = 8

// maxFrameSize guards against reading a garbage length from a torn header.
const maxFrameSize = 16 * 1024 * 1024

var errTornFrame = errors.New("eventstore: torn or corrupt frame")

func segmentName(id uint64) string {
	return fmt.Sprintf("events_%016x.log", id)
}

// parseSegmentName extracts the segment id from events_{id:016x}.log.
func parseSegmentName(name string) (uint64, bool) {
	if len(name) != len("events_")+16+len(".log") || name[:7] != "events_" || filepath.Ext(name) != ".log" {
		return 0, false
	}
	var id uint64
	if _, err := fmt.Sscanf(name[7:23], "%016x", &id); err != nil {
		return 0, false
	}
	return id, true
}

// listSegments returns segment ids sorted ascending.
func listSegments(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}
	var ids []uint64
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if id, ok := parseSegmentName(f.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// encodeFrame serializes an event into a length+crc framed record.
func encodeFrame(ev *types.EvaluationEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// readFrame reads one framed event from r. It returns io.EOF at a clean end
// and errTornFrame for a truncated or corrupt record.
func readFrame(r io.Reader) (*types.EvaluationEvent, int64, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, int64(n), errTornFrame
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	crc := binary.LittleEndian.Uint32(header[4:8])
	if length == 0 || length > maxFrameSize {
		return nil, frameHeaderSize, errTornFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, frameHeaderSize, errTornFrame
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, frameHeaderSize + int64(length), errTornFrame
	}

	var ev types.EvaluationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, frameHeaderSize + int64(length), errTornFrame
	}
	return &ev, frameHeaderSize + int64(length), nil
}

// frameVisitor receives each valid event with the offset of its frame.
type frameVisitor func(ev *types.EvaluationEvent, offset int64) error

// readSegment visits every valid frame of a segment up to limit bytes
// (limit < 0 reads to the end). It returns the offset just past the last
// valid frame, which is where a torn tail begins.
func readSegment(path string, limit int64, visit frameVisitor) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}

	var offset int64
	for {
		ev, n, err := readFrame(r)
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			log.Printf("eventstore: torn frame at offset %d in %s, ignoring the rest of the segment", offset, filepath.Base(path))
			return offset, nil
		}
		if visit != nil {
			if err := visit(ev, offset); err != nil {
				return offset, err
			}
		}
		offset += n
	}
}

// readAt decodes the single frame at offset.
func readAt(path string, offset int64) (*types.EvaluationEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer f.Close()

	ev, _, err := readFrame(io.NewSectionReader(f, offset, maxFrameSize+frameHeaderSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame at %d: %w", offset, err)
	}
	return ev, nil
}
