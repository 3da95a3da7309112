// Package store is the durable log store: committed entries plus
// persistent consensus metadata, backed by a single bbolt file per node.
//
// It generalizes the teacher's in-memory []LogEntry (aecra-raft/raft.go)
// into a crash-safe table, per spec §4.6: log[index]->entry with a
// msg_id uniqueness constraint for dedup, and a meta table holding
// current_term/voted_for. All writes that change consensus-visible state
// are fsynced (bbolt's default Update commit behavior) before the call
// returns, so callers can safely reply to RPCs only after Append/SetMeta
// return nil.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/aecra/msgcluster/raftmsg"
)

var (
	bucketLog    = []byte("log")
	bucketMeta   = []byte("meta")
	bucketMsgIDs = []byte("msg_ids")

	metaKey = []byte("meta")

	// ErrDuplicateMsgID is returned by Append when the entry's MsgID is
	// already present in the committed log; the caller absorbs it per
	// spec's duplicate_msg_id error kind.
	ErrDuplicateMsgID = errors.New("duplicate_msg_id")
	// ErrNotFound is returned by Get for an index with no entry.
	ErrNotFound = errors.New("log_entry_not_found")
)

// Store is the durable log store for one node.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// its buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence_fatal: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLog, bucketMeta, bucketMsgIDs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence_fatal: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

// Append stores entry under entry.Index, together with its msg_id index
// record, in one transaction. It does not truncate: a caller replacing a
// conflicting tail calls TruncateFrom first, as a separate transaction.
// If entry.Message.MsgID is already present anywhere in the log, Append
// writes nothing and returns the bare ErrDuplicateMsgID sentinel; callers
// look the earlier entry up with GetByMsgID.
func (s *Store) Append(entry raftmsg.Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		lb := tx.Bucket(bucketLog)
		ib := tx.Bucket(bucketMsgIDs)

		if entry.Message.MsgID != "" {
			if existing := ib.Get([]byte(entry.Message.MsgID)); existing != nil {
				return ErrDuplicateMsgID
			}
		}

		key := indexKey(entry.Index)
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("persistence_fatal: marshal entry: %w", err)
		}
		if err := lb.Put(key, raw); err != nil {
			return fmt.Errorf("persistence_fatal: put entry: %w", err)
		}
		if entry.Message.MsgID != "" {
			if err := ib.Put([]byte(entry.Message.MsgID), key); err != nil {
				return fmt.Errorf("persistence_fatal: index msg_id: %w", err)
			}
		}
		return nil
	})
}

// TruncateFrom removes every entry with index >= from, and the msg_id
// index entries that point at them. Atomic with respect to readers.
func (s *Store) TruncateFrom(from uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		lb := tx.Bucket(bucketLog)
		ib := tx.Bucket(bucketMsgIDs)
		c := lb.Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			var e raftmsg.Entry
			if err := json.Unmarshal(v, &e); err == nil && e.Message.MsgID != "" {
				if err := ib.Delete([]byte(e.Message.MsgID)); err != nil {
					return err
				}
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the entry at index.
func (s *Store) Get(index uint64) (raftmsg.Entry, error) {
	var entry raftmsg.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLog).Get(indexKey(index))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	return entry, err
}

// GetByMsgID returns the committed entry carrying msgID, used to answer
// duplicate sends with the original commit record.
func (s *Store) GetByMsgID(msgID string) (raftmsg.Entry, bool, error) {
	var entry raftmsg.Entry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketMsgIDs).Get([]byte(msgID))
		if key == nil {
			return nil
		}
		raw := tx.Bucket(bucketLog).Get(key)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	return entry, found, err
}

// MarkDelivered updates the entry at index with its corrected timestamp
// once the ordering buffer has released it, making it visible to Range.
// A zero CorrectedTs is used as the "not yet delivered" sentinel (spec
// guarantees a committed message always has a non-zero wall-clock
// timestamp in practice), so Range can distinguish committed-but-buffered
// entries from delivered ones without an extra column.
func (s *Store) MarkDelivered(index uint64, correctedTs float64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		lb := tx.Bucket(bucketLog)
		key := indexKey(index)
		raw := lb.Get(key)
		if raw == nil {
			return ErrNotFound
		}
		var e raftmsg.Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("persistence_fatal: unmarshal entry %d: %w", index, err)
		}
		e.Message.CorrectedTs = correctedTs
		out, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("persistence_fatal: marshal entry %d: %w", index, err)
		}
		return lb.Put(key, out)
	})
}

// Filter narrows a Range call by sender, recipient, and a minimum seq
// (exclusive), matching the query surface of spec §4.6/§6.
type Filter struct {
	Sender    string
	Recipient string
	After     uint64
}

// Range returns up to limit entries with index > filter.After (and
// matching Sender/Recipient when set), in increasing index order, plus
// the cursor to pass as After on the next call.
func (s *Store) Range(filter Filter, limit int) ([]raftmsg.Entry, uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []raftmsg.Entry
	nextAfter := filter.After
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(indexKey(filter.After + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			var e raftmsg.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt log entry: %w", err)
			}
			if filter.Sender != "" && e.Message.Sender != filter.Sender {
				continue
			}
			if filter.Recipient != "" && e.Message.Recipient != filter.Recipient {
				continue
			}
			if e.Message.CorrectedTs == 0 {
				continue // not yet released by the ordering buffer
			}
			out = append(out, e)
			nextAfter = e.Index
		}
		return nil
	})
	return out, nextAfter, err
}

// RangeRaw returns up to limit entries with index > after, regardless of
// ordering-buffer delivery status. Used by the catch-up routine and the
// /sync endpoint, which must replicate the committed log as-is rather
// than wait on this node's own ordering buffer, per spec §4.3/§6.
func (s *Store) RangeRaw(after uint64, limit int) ([]raftmsg.Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	var out []raftmsg.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(indexKey(after + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			var e raftmsg.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt log entry: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// LastIndex returns the index of the last stored entry, or 0 if empty.
func (s *Store) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketLog).Cursor().Last()
		if k == nil {
			return nil
		}
		last = binary.BigEndian.Uint64(k)
		return nil
	})
	return last, err
}

// LastTerm returns the term of the last stored entry, or 0 if empty.
func (s *Store) LastTerm() (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketLog).Cursor().Last()
		if v == nil {
			return nil
		}
		var e raftmsg.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		term = e.Term
		return nil
	})
	return term, err
}

// GetMeta returns the persisted consensus metadata, zero-valued if unset.
func (s *Store) GetMeta() (raftmsg.Meta, error) {
	var meta raftmsg.Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(metaKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &meta)
	})
	return meta, err
}

// SetMeta durably persists the consensus metadata. Must complete before
// any RPC reply that depends on the term bump or vote it records.
func (s *Store) SetMeta(meta raftmsg.Meta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("persistence_fatal: marshal meta: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(metaKey, raw)
	})
	if err != nil {
		return fmt.Errorf("persistence_fatal: set meta: %w", err)
	}
	return nil
}
