package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

const (
	diskOpDelete byte = 0
	diskOpSet    byte = 1

	// op(1) | id(16) | size(4)
	diskHeaderSize = 1 + 16 + 4

	diskLogName = "snapshots.log"
)

type diskRecordMeta struct {
	offset int64
	size   uint32
}

// logFile is the subset of *os.File the log needs.
type logFile interface {
	io.ReadWriteSeeker
	io.ReaderAt
	io.Closer
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// diskStore is an append-only log of snapshot records. The in-memory index
// is rebuilt from the log on open; the last record for an id wins.
type diskStore struct {
	file    logFile
	logger  zerolog.Logger
	mu      sync.RWMutex
	records map[uuid.UUID]diskRecordMeta
}

// OpenDiskStore opens or creates the snapshot log beneath dir.
func OpenDiskStore(dir string, logger zerolog.Logger) (Store, error) {
	if dir == "" {
		return nil, errors.New("store: disk store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return openDiskLog(filepath.Join(dir, diskLogName), logger)
}

func openDiskLog(path string, logger zerolog.Logger) (*diskStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open snapshot log: %w", err)
	}
	s := &diskStore{
		file:    f,
		logger:  logger,
		records: make(map[uuid.UUID]diskRecordMeta),
	}
	if err := s.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *diskStore) loadIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind snapshot log: %w", err)
	}

	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot log: %w", err)
	}
	end := info.Size()

	header := make([]byte, diskHeaderSize)
	var offset int64
	for {
		if _, err := io.ReadFull(s.file, header); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				return fmt.Errorf("truncated snapshot header at %d: %w", offset, err)
			}
			return fmt.Errorf("read snapshot header: %w", err)
		}
		op, id, size := decodeDiskHeader(header)
		recordOffset := offset
		offset += diskHeaderSize + int64(size)
		if offset > end {
			return fmt.Errorf("truncated snapshot payload at %d: %d of %d bytes present",
				recordOffset, end-recordOffset-diskHeaderSize, size)
		}

		if _, err := s.file.Seek(int64(size), io.SeekCurrent); err != nil {
			return fmt.Errorf("seek past payload: %w", err)
		}
		switch op {
		case diskOpSet:
			s.records[id] = diskRecordMeta{offset: recordOffset, size: size}
		case diskOpDelete:
			delete(s.records, id)
		default:
			return fmt.Errorf("snapshot log record at %d: unknown op %d", recordOffset, op)
		}
	}
	return nil
}

func encodeDiskHeader(op byte, id uuid.UUID, size uint32) []byte {
	header := make([]byte, diskHeaderSize)
	header[0] = op
	copy(header[1:17], id[:])
	binary.LittleEndian.PutUint32(header[17:21], size)
	return header
}

func decodeDiskHeader(header []byte) (op byte, id uuid.UUID, size uint32) {
	op = header[0]
	copy(id[:], header[1:17])
	size = binary.LittleEndian.Uint32(header[17:21])
	return op, id, size
}

func (s *diskStore) Load(id uuid.UUID) (Snapshot, bool, error) {
	s.mu.RLock()
	meta, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false, nil
	}

	payload := make([]byte, meta.size)
	if _, err := s.file.ReadAt(payload, meta.offset+diskHeaderSize); err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	snap, err := decodeSnapshot(payload)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *diskStore) Save(snap Snapshot) error {
	if snap.ID == uuid.Nil {
		return ErrNoID
	}
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	header := encodeDiskHeader(diskOpSet, snap.ID, uint32(len(payload)))

	s.mu.Lock()
	defer s.mu.Unlock()

	offset, err := s.append(header, payload)
	if err != nil {
		return err
	}
	s.records[snap.ID] = diskRecordMeta{offset: offset, size: uint32(len(payload))}
	return nil
}

func (s *diskStore) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return nil
	}
	if _, err := s.append(encodeDiskHeader(diskOpDelete, id, 0), nil); err != nil {
		return err
	}
	delete(s.records, id)
	return nil
}

// append writes one record at the end of the log and syncs it. A failed
// write is cut back to offset so later records stay aligned. Callers hold
// the write lock.
func (s *diskStore) append(header, payload []byte) (int64, error) {
	offset, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek log end: %w", err)
	}
	if _, err := s.file.Write(header); err != nil {
		return 0, s.rollback(offset, fmt.Errorf("write header: %w", err))
	}
	if len(payload) > 0 {
		if _, err := s.file.Write(payload); err != nil {
			return 0, s.rollback(offset, fmt.Errorf("write payload: %w", err))
		}
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync snapshot log: %w", err)
	}
	return offset, nil
}

func (s *diskStore) rollback(offset int64, cause error) error {
	if err := s.file.Truncate(offset); err != nil {
		s.logger.Error().Err(err).Int64("offset", offset).Msg("snapshot log left with a partial record")
		return multierror.Append(cause, fmt.Errorf("truncate snapshot log: %w", err))
	}
	return cause
}

func (s *diskStore) ForEach(fn func(snap Snapshot) bool) error {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	list := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, ok, err := s.Load(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", id.String()).Msg("skipping unreadable snapshot")
			continue
		}
		if ok {
			list = append(list, snap)
		}
	}
	sortSnapshots(list)
	for _, snap := range list {
		if !fn(snap) {
			break
		}
	}
	return nil
}

func (s *diskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
