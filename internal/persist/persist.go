// Package persist implements the badger-backed dynamic-member store: one
// record per queue, rebuilt in full on every add/remove/pause change and
// replayed at startup. Its Open/Close lifecycle and logging mirror the
// connection-pool style used elsewhere in this codebase, adapted from a
// pooled network backend to an embedded dgraph-io/badger/v4 handle.
package persist

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// family is the fixed persistence namespace names verbatim.
const family = "Queue/PersistentMembers"

// maxRecordBytes caps a single queue's persisted record;
// entries beyond the cap are dropped with a warning rather than
// truncating mid-entry.
const maxRecordBytes = 8192

// Record is one dynamic member's persisted fields (: persisted
// record = iface;penalty;paused;name tuples, joined by '|').
type Record struct {
	Interface string
	Penalty   int
	Paused    bool
	Name      string
}

func (r Record) encode() string {
	paused := "0"
	if r.Paused {
		paused = "1"
	}
	return fmt.Sprintf("%s;%d;%s;%s", r.Interface, r.Penalty, paused, r.Name)
}

func decodeRecord(entry string) (Record, bool) {
	parts := strings.SplitN(entry, ";", 4)
	if len(parts) != 4 {
		return Record{}, false
	}
	penalty, err := strconv.Atoi(parts[1])
	if err != nil {
		return Record{}, false
	}
	return Record{
		Interface: parts[0],
		Penalty:   penalty,
		Paused:    parts[2] == "1",
		Name:      parts[3],
	}, true
}

// Store wraps an embedded badger database dedicated to dynamic-member
// persistence.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
}

// Open opens (creating if absent) the badger database rooted at dir.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", dir, err)
	}
	log.Info().Str("dir", dir).Msg("persistence store opened")
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error {
	s.log.Info().Msg("closing persistence store")
	return s.db.Close()
}

// DB returns the underlying badger handle, for health checks and metrics
// collection that need disk-size stats the Store itself doesn't expose.
func (s *Store) DB() *badger.DB {
	return s.db
}

func key(queueName string) []byte {
	return []byte(family + "\x00" + strings.ToLower(queueName))
}

// Save rebuilds queueName's record from members and writes it, or deletes
// the key if members is empty. Records are capped at
// maxRecordBytes; entries beyond the cap are dropped with a warning.
func (s *Store) Save(ctx context.Context, queueName string, members []Record) error {
	if len(members) == 0 {
		return s.db.Update(func(txn *badger.Txn) error {
			err := txn.Delete(key(queueName))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		})
	}

	var b strings.Builder
	kept := 0
	for i, m := range members {
		enc := m.encode()
		add := len(enc)
		if i > 0 {
			add++ // separator
		}
		if b.Len()+add > maxRecordBytes {
			s.log.Warn().
				Str("queue", queueName).
				Int("dropped", len(members)-kept).
				Msg("persisted record exceeds size cap, dropping excess members")
			break
		}
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(enc)
		kept++
	}

	value := []byte(b.String())
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(queueName), value)
	})
}

// Load returns the persisted dynamic members for queueName, or nil if none.
func (s *Store) Load(ctx context.Context, queueName string) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(queueName))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = parseRecord(string(val))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist: load %s: %w", queueName, err)
	}
	return out, nil
}

func parseRecord(value string) []Record {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, "|")
	out := make([]Record, 0, len(parts))
	for _, p := range parts {
		if rec, ok := decodeRecord(p); ok {
			out = append(out, rec)
		}
	}
	return out
}

// QueueName extracts the queue name this persisted key belongs to.
func QueueName(rawKey []byte) (string, bool) {
	s := string(rawKey)
	prefix := family + "\x00"
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return strings.TrimPrefix(s, prefix), true
}

// ForEach walks every persisted queue record in the family, invoking fn with
// the queue name and its decoded records. Used at startup to replay dynamic
// members and to prune records whose queue no longer exists.
func (s *Store) ForEach(ctx context.Context, fn func(queueName string, records []Record) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(family + "\x00")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			name, ok := QueueName(item.KeyCopy(nil))
			if !ok {
				continue
			}
			var records []Record
			if err := item.Value(func(val []byte) error {
				records = parseRecord(string(val))
				return nil
			}); err != nil {
				return err
			}
			if err := fn(name, records); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes queueName's record entirely, used when a persisted queue
// name no longer resolves to a live static or realtime queue.
func (s *Store) Delete(ctx context.Context, queueName string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key(queueName))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}
