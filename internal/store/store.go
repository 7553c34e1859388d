// Package store persists upload records in BadgerDB so that in-flight uploads
// survive process restarts.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/danielsousast/expo-background-upload/internal/uploaderr"
)

// SchemaVersion is the layout of keys and values written by this package.
const SchemaVersion = 1

const (
	recordPrefix = "upload:"
	outboxPrefix = "outbox:"
	schemaKey    = "meta:schema_version"
)

// ErrTerminal is returned when a mutation targets a record that already
// reached a terminal status.
var ErrTerminal = errors.New("record is terminal")

type envelope struct {
	V      int             `json:"v"`
	Record json.RawMessage `json:"record"`
}

// RecordStore wraps BadgerDB for upload record operations.
type RecordStore struct {
	db        *badger.DB
	retention time.Duration
	now       func() time.Time
}

// Option configures a RecordStore.
type Option func(*options)

type options struct {
	logger    badger.Logger
	retention time.Duration
	inMemory  bool
}

// WithLogger routes badger's internal logging. logrus loggers satisfy
// badger.Logger.
func WithLogger(l badger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRetention sets how long terminal records are kept before badger expires
// them. Zero keeps them until deleted.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

func withInMemory() Option {
	return func(o *options) { o.inMemory = true }
}

// Open opens (or creates) a record store at the given path. Writes are synced
// to disk before they return.
func Open(dbPath string, opts ...Option) (*RecordStore, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(o.logger).
		WithSyncWrites(true)
	if o.inMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	s := &RecordStore{db: db, retention: o.retention, now: time.Now}
	if err := s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a non-durable store, for tests.
func OpenInMemory(opts ...Option) (*RecordStore, error) {
	return Open("", append(opts, withInMemory())...)
}

// Close closes the BadgerDB.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

func (s *RecordStore) checkSchema() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set([]byte(schemaKey), []byte(strconv.Itoa(SchemaVersion)))
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		version, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("corrupt schema version %q: %w", raw, err)
		}
		if version > SchemaVersion {
			return fmt.Errorf("store schema v%d is newer than supported v%d", version, SchemaVersion)
		}
		return nil
	})
}

// Create stores a new pending record with a fresh id.
func (s *RecordStore) Create(spec CreateSpec) (Record, error) {
	now := s.now().UTC()
	rec := Record{
		ID:          uuid.NewString(),
		SourcePath:  spec.SourcePath,
		Destination: spec.Destination,
		Status:      StatusPending,
		TotalBytes:  spec.TotalBytes,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if err := rec.validate(); err != nil {
		return Record{}, uploaderr.Wrap(uploaderr.KindInvalidArgument, "store.create", err)
	}

	val, err := encode(rec)
	if err != nil {
		return Record{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := recordKey(rec.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("record %s already exists", rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to create record: %w", err)
	}
	return rec, nil
}

// Get retrieves a record by id.
func (s *RecordStore) Get(id string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	return rec, err
}

// Update applies fn to the record if its version still equals version. A stale
// version or a concurrent commit fails with ConflictingWrite; a terminal record
// fails with ErrTerminal. Entering a terminal status also queues a
// notification in the outbox within the same transaction.
func (s *RecordStore) Update(id string, version uint64, fn func(*Record) error) (Record, error) {
	var out Record
	err := s.db.Update(func(txn *badger.Txn) error {
		prev, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if prev.Status.Terminal() {
			return ErrTerminal
		}
		if prev.Version != version {
			return uploaderr.New(uploaderr.KindConflictingWrite, "store.update", "record %s is at version %d, not %d", id, prev.Version, version)
		}

		next := prev
		if err := fn(&next); err != nil {
			return err
		}

		next.ID = prev.ID
		next.SourcePath = prev.SourcePath
		next.Destination = prev.Destination
		next.TotalBytes = prev.TotalBytes
		next.CreatedAt = prev.CreatedAt
		next.Version = prev.Version + 1
		next.UpdatedAt = s.now().UTC()

		if !prev.Status.CanTransition(next.Status) {
			return uploaderr.New(uploaderr.KindInvalidArgument, "store.update", "illegal transition %s -> %s", prev.Status, next.Status)
		}
		if err := next.validate(); err != nil {
			return uploaderr.Wrap(uploaderr.KindInvalidArgument, "store.update", err)
		}

		val, err := encode(next)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(recordKey(id), val)
		if next.Status.Terminal() {
			outbox := badger.NewEntry(outboxKey(id), []byte(next.Status))
			if s.retention > 0 {
				entry = entry.WithTTL(s.retention)
				outbox = outbox.WithTTL(s.retention)
			}
			if err := txn.SetEntry(outbox); err != nil {
				return err
			}
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		out = next
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return Record{}, uploaderr.Wrap(uploaderr.KindConflictingWrite, "store.update", err)
	}
	return out, err
}

// List returns the records matching filter, oldest first.
func (s *RecordStore) List(filter Filter) ([]Record, error) {
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				var err error
				rec, err = decode(val)
				return err
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if filter.Match(rec) {
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes a record and any pending notification for it.
func (s *RecordStore) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, id); err != nil {
			return err
		}
		if err := txn.Delete(outboxKey(id)); err != nil {
			return err
		}
		return txn.Delete(recordKey(id))
	})
}

// DeleteFinished removes a terminal record. A record that is still pending,
// running or paused is left alone and InvalidArgument is returned.
func (s *RecordStore) DeleteFinished(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if !rec.Status.Terminal() {
			return uploaderr.New(uploaderr.KindInvalidArgument, "store.delete", "upload %s is still %s", id, rec.Status)
		}
		if err := txn.Delete(outboxKey(id)); err != nil {
			return err
		}
		return txn.Delete(recordKey(id))
	})
}

// PendingNotifications returns the ids of terminal records whose completion
// has not been delivered yet.
func (s *RecordStore) PendingNotifications() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(outboxPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(outboxPrefix):]))
		}
		return nil
	})
	return ids, err
}

// ClearNotification marks the completion of id as delivered.
func (s *RecordStore) ClearNotification(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(outboxKey(id))
	})
}

func getRecord(txn *badger.Txn, id string) (Record, error) {
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, uploaderr.New(uploaderr.KindNotFound, "store.get", "upload %s not found", id)
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		rec, err = decode(val)
		return err
	})
	return rec, err
}

func encode(rec Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{V: SchemaVersion, Record: raw})
}

func decode(val []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(val, &env); err != nil {
		return Record{}, err
	}
	var rec Record
	switch env.V {
	case 1:
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return Record{}, err
		}
	default:
		return Record{}, fmt.Errorf("unsupported record version %d", env.V)
	}
	return rec, nil
}

func recordKey(id string) []byte {
	return []byte(recordPrefix + id)
}

func outboxKey(id string) []byte {
	return []byte(outboxPrefix + id)
}
