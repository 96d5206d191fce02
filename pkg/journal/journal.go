package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
)

var bucketEvents = []byte("events")

// Journal is an append-only, bbolt-backed record of orchestrator events.
// Entries are keyed by a monotonic sequence number, so iteration order is
// append order.
type Journal struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens (or creates) the journal database under dataDir.
func Open(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "burrow-journal.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events bucket: %w", err)
	}

	return &Journal{db: db, logger: log.WithComponent("journal")}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records one event.
func (j *Journal) Append(event *events.Event) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Recent returns up to n most recent events, newest first.
func (j *Journal) Recent(n int) ([]*events.Event, error) {
	var out []*events.Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var e events.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt journal entry: %w", err)
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of recorded events.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n, err
}

// Follow subscribes to the broker and records every published event until
// the returned stop function is called.
func (j *Journal) Follow(broker *events.Broker) (stop func()) {
	sub := broker.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for event := range sub {
			if err := j.Append(event); err != nil {
				j.logger.Warn().Err(err).Str("event_type", string(event.Type)).
					Msg("failed to journal event")
			}
		}
	}()

	return func() {
		broker.Unsubscribe(sub)
		<-done
	}
}
