// Package store persists tree snapshots. A snapshot holds the serialized
// stream of every root of a forest together with the joins between roots, so
// a session can be rebuilt exactly as it was checkpointed.
package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"amrtree/internal/config"
	"amrtree/internal/ftt"
)

// ErrNoID is returned when saving a snapshot without an identifier.
var ErrNoID = errors.New("store: snapshot has no id")

// Link records that root From is joined to root To across From's face Dir.
// Roots are indexed by their position in Snapshot.Roots.
type Link struct {
	From int           `cbor:"from" json:"from"`
	To   int           `cbor:"to" json:"to"`
	Dir  ftt.Direction `cbor:"dir" json:"dir"`
}

// Snapshot is one checkpoint of a forest.
type Snapshot struct {
	ID      uuid.UUID `cbor:"id" json:"id"`
	Step    int64     `cbor:"step" json:"step"`
	Created time.Time `cbor:"created" json:"created"`
	Dim     int       `cbor:"dim" json:"dim"`
	Cells   int       `cbor:"cells" json:"cells"`
	Roots   [][]byte  `cbor:"roots" json:"-"`
	Links   []Link    `cbor:"links" json:"links"`
}

// Size returns the number of encoded stream bytes held by the snapshot.
func (s Snapshot) Size() int {
	n := 0
	for _, r := range s.Roots {
		n += len(r)
	}
	return n
}

// Store persists snapshots keyed by ID.
type Store interface {
	Save(s Snapshot) error
	Load(id uuid.UUID) (Snapshot, bool, error)
	Delete(id uuid.UUID) error
	// ForEach visits snapshots in step order until fn returns false.
	ForEach(fn func(s Snapshot) bool) error
	Close() error
}

var (
	snapshotEnc cbor.EncMode
	snapshotDec cbor.DecMode
)

func init() {
	var err error
	opts := cbor.EncOptions{Sort: cbor.SortCanonical, Time: cbor.TimeRFC3339Nano}
	if snapshotEnc, err = opts.EncMode(); err != nil {
		panic(err)
	}
	if snapshotDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func encodeSnapshot(s Snapshot) ([]byte, error) {
	data, err := snapshotEnc.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", s.ID, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := snapshotDec.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

func sortSnapshots(list []Snapshot) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Step != list[j].Step {
			return list[i].Step < list[j].Step
		}
		return list[i].Created.Before(list[j].Created)
	})
}

// Open builds the store selected by cfg.Provider.
func Open(cfg config.StoreConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Provider {
	case config.ProviderMemory, "":
		return NewMemoryStore(), nil
	case config.ProviderDisk:
		return OpenDiskStore(cfg.Path, logger)
	case config.ProviderBadger:
		return OpenBadgerStore(BadgerConfig{
			Path:       cfg.Path,
			InMemory:   cfg.InMemory,
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("store: unknown provider %q", cfg.Provider)
	}
}
