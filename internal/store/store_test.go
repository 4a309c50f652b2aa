package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amrtree/internal/config"
	"amrtree/internal/ftt"
)

func sampleSnapshot(step int64) Snapshot {
	return Snapshot{
		ID:      uuid.New(),
		Step:    step,
		Created: time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC),
		Dim:     2,
		Cells:   21,
		Roots:   [][]byte{{0xa1, 0x01}, {0x02, 0x03, 0x04}},
		Links:   []Link{{From: 0, To: 1, Dir: ftt.Right}},
	}
}

func requireSameSnapshot(t *testing.T, want, got Snapshot) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Step, got.Step)
	assert.True(t, want.Created.Equal(got.Created), "created %v, want %v", got.Created, want.Created)
	assert.Equal(t, want.Dim, got.Dim)
	assert.Equal(t, want.Cells, got.Cells)
	assert.Equal(t, want.Roots, got.Roots)
	assert.Equal(t, want.Links, got.Links)
}

func providers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"disk": func(t *testing.T) Store {
			s, err := OpenDiskStore(t.TempDir(), zerolog.Nop())
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadgerStore(BadgerConfig{InMemory: true})
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, open := range providers(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			snap := sampleSnapshot(3)
			require.NoError(t, s.Save(snap))

			got, ok, err := s.Load(snap.ID)
			require.NoError(t, err)
			require.True(t, ok)
			requireSameSnapshot(t, snap, got)
			assert.Equal(t, 5, got.Size())

			_, ok, err = s.Load(uuid.New())
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreOverwriteAndDelete(t *testing.T) {
	for name, open := range providers(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			snap := sampleSnapshot(1)
			require.NoError(t, s.Save(snap))
			snap.Cells = 99
			require.NoError(t, s.Save(snap))

			got, ok, err := s.Load(snap.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 99, got.Cells)

			require.NoError(t, s.Delete(snap.ID))
			_, ok, err = s.Load(snap.ID)
			require.NoError(t, err)
			assert.False(t, ok)
			require.NoError(t, s.Delete(snap.ID))
		})
	}
}

func TestStoreForEachInStepOrder(t *testing.T) {
	for name, open := range providers(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			for _, step := range []int64{30, 10, 20} {
				require.NoError(t, s.Save(sampleSnapshot(step)))
			}

			var steps []int64
			require.NoError(t, s.ForEach(func(snap Snapshot) bool {
				steps = append(steps, snap.Step)
				return true
			}))
			assert.Equal(t, []int64{10, 20, 30}, steps)

			steps = steps[:0]
			require.NoError(t, s.ForEach(func(snap Snapshot) bool {
				steps = append(steps, snap.Step)
				return false
			}))
			assert.Equal(t, []int64{10}, steps)
		})
	}
}

func TestStoreRejectsMissingID(t *testing.T) {
	for name, open := range providers(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			snap := sampleSnapshot(1)
			snap.ID = uuid.Nil
			assert.ErrorIs(t, s.Save(snap), ErrNoID)
		})
	}
}

func TestDiskStoreRebuildsIndexOnOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStore(dir, zerolog.Nop())
	require.NoError(t, err)

	keep := sampleSnapshot(1)
	gone := sampleSnapshot(2)
	require.NoError(t, s.Save(keep))
	require.NoError(t, s.Save(gone))
	keep.Cells = 42
	require.NoError(t, s.Save(keep))
	require.NoError(t, s.Delete(gone.ID))
	require.NoError(t, s.Close())

	reopened, err := OpenDiskStore(dir, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Load(keep.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, got.Cells)
	_, ok, err = reopened.Load(gone.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskStoreDetectsTruncatedHeader(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStore(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Save(sampleSnapshot(1)))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, diskLogName), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{diskOpSet, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenDiskStore(dir, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated snapshot header")
}

func TestDiskStoreDetectsTruncatedPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStore(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Save(sampleSnapshot(1)))
	require.NoError(t, s.Save(sampleSnapshot(2)))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, diskLogName)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	_, err = OpenDiskStore(dir, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated snapshot payload")
}

// failingFile fails the write after the first one.
type failingFile struct {
	*os.File
	writes int
}

func (f *failingFile) Write(p []byte) (int, error) {
	f.writes++
	if f.writes > 1 {
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("disk full")
	}
	return f.File.Write(p)
}

func TestDiskStoreRollsBackFailedAppend(t *testing.T) {
	dir := t.TempDir()
	opened, err := OpenDiskStore(dir, zerolog.Nop())
	require.NoError(t, err)
	s := opened.(*diskStore)
	kept := sampleSnapshot(1)
	require.NoError(t, s.Save(kept))

	path := filepath.Join(dir, diskLogName)
	before, err := os.Stat(path)
	require.NoError(t, err)

	file := s.file.(*os.File)
	s.file = &failingFile{File: file}
	require.Error(t, s.Save(sampleSnapshot(2)))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())

	s.file = file
	later := sampleSnapshot(3)
	require.NoError(t, s.Save(later))
	require.NoError(t, s.Close())

	reopened, err := OpenDiskStore(dir, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	for _, want := range []Snapshot{kept, later} {
		got, ok, err := reopened.Load(want.ID)
		require.NoError(t, err)
		require.True(t, ok)
		requireSameSnapshot(t, want, got)
	}
}

func TestDiskHeaderLayout(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	header := encodeDiskHeader(diskOpSet, id, 0x01020304)
	require.Len(t, header, diskHeaderSize)
	assert.Equal(t, diskOpSet, header[0])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, header[17:])

	op, gotID, size := decodeDiskHeader(header)
	assert.Equal(t, diskOpSet, op)
	assert.Equal(t, id, gotID)
	assert.Equal(t, uint32(0x01020304), size)
}

func TestOpenSelectsProvider(t *testing.T) {
	s, err := Open(config.StoreConfig{Provider: config.ProviderMemory}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &memoryStore{}, s)

	s, err = Open(config.StoreConfig{Provider: config.ProviderDisk, Path: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &diskStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(config.StoreConfig{Provider: config.ProviderBadger, InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &badgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.StoreConfig{Provider: "tape"}, zerolog.Nop())
	assert.Error(t, err)
}
