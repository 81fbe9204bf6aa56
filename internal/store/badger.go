package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig configures the embedded key-value backend.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in RAM. Used by tests.
	InMemory bool

	SyncWrites bool

	// Logger receives badger's internal log lines. Nil disables them.
	Logger *zap.Logger
}

// Key layout, with NUL joining the parts of composite keys since ids may
// contain '/':
//
//	exp/<id>                              experiment JSON
//	asg/<experiment>\x00<subject>          assignment JSON
//	evt/<experiment>\x00<nanos>\x00<id>     event JSON, nanos zero padded so keys sort by time
//	snap/<experiment>                     snapshot JSON
//	flag/<id>                             flag JSON
//	flagkey/<key>                         flag id
const (
	prefixExperiment = "exp/"
	prefixAssignment = "asg/"
	prefixEvent      = "evt/"
	prefixSnapshot   = "snap/"
	prefixFlag       = "flag/"
	prefixFlagKey    = "flagkey/"
)

const maxConflictRetries = 10

// BadgerStore is a Store backed by BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

var _ Store = &BadgerStore{} // Compile-time check

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(strings.TrimSpace(format), args...)
}

// OpenBadger opens the database at cfg.Path, creating the directory if needed.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan decodes every value under prefix in key order.
func scan[T any](txn *badger.Txn, prefix string) ([]*T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*T
	for it.Rewind(); it.Valid(); it.Next() {
		v := new(T)
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		}); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// badgerErr passes domain sentinels through and wraps everything else.
func badgerErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return storageErr(op, err)
}

func (s *BadgerStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	key := prefixExperiment + exp.ID
	err := s.update(ctx, func(txn *badger.Txn) error {
		found, err := exists(txn, key)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("experiment %s: %w", exp.ID, ErrAlreadyExists)
		}
		return setJSON(txn, key, exp)
	})
	return badgerErr("insert experiment", err)
}

func (s *BadgerStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	var exp Experiment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixExperiment+id, &exp)
	})
	if err != nil {
		return nil, badgerErr("get experiment", err)
	}
	return &exp, nil
}

func (s *BadgerStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	var out []*Experiment
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scan[Experiment](txn, prefixExperiment)
		return err
	})
	if err != nil {
		return nil, badgerErr("list experiments", err)
	}
	slices.SortFunc(out, func(a, b *Experiment) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *BadgerStore) UpdateExperiment(ctx context.Context, id string, patch ExperimentPatch) (*Experiment, error) {
	var exp Experiment
	err := s.update(ctx, func(txn *badger.Txn) error {
		exp = Experiment{}
		if err := getJSON(txn, prefixExperiment+id, &exp); err != nil {
			return err
		}
		patch.Apply(&exp, s.now())
		return setJSON(txn, prefixExperiment+id, &exp)
	})
	if err != nil {
		return nil, badgerErr("update experiment", err)
	}
	return &exp, nil
}

func (s *BadgerStore) GetAssignment(ctx context.Context, experimentID, subjectID string) (*Assignment, error) {
	var a Assignment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixAssignment+assignmentKey(experimentID, subjectID), &a)
	})
	if err != nil {
		return nil, badgerErr("get assignment", err)
	}
	return &a, nil
}

// CreateAssignmentIfAbsent relies on badger's optimistic transactions: two
// writers racing on the same key conflict, and the loser re-reads the
// winner's record on retry.
func (s *BadgerStore) CreateAssignmentIfAbsent(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	key := prefixAssignment + assignmentKey(a.ExperimentID, a.SubjectID)
	var stored Assignment
	var created bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		stored = Assignment{}
		err := getJSON(txn, key, &stored)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		stored = *a
		created = true
		return setJSON(txn, key, a)
	})
	if err != nil {
		return nil, false, badgerErr("insert assignment", err)
	}
	return &stored, created, nil
}

func (s *BadgerStore) PutOverride(ctx context.Context, a *Assignment) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixAssignment+assignmentKey(a.ExperimentID, a.SubjectID), a)
	})
	return badgerErr("upsert assignment", err)
}

func eventPrefix(experimentID string) string {
	return prefixEvent + experimentID + "\x00"
}

func eventKey(e *Event) string {
	return fmt.Sprintf("%s%020d\x00%s", eventPrefix(e.ExperimentID), e.Timestamp.UnixNano(), e.ID)
}

func (s *BadgerStore) AppendEvent(ctx context.Context, e *Event) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, eventKey(e), e)
	})
	return badgerErr("record event", err)
}

func (s *BadgerStore) QueryEvents(ctx context.Context, experimentID string) ([]*Event, error) {
	var out []*Event
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scan[Event](txn, eventPrefix(experimentID))
		return err
	})
	if err != nil {
		return nil, badgerErr("get events", err)
	}
	return out, nil
}

func (s *BadgerStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixSnapshot+snap.ExperimentID, snap)
	})
	return badgerErr("save snapshot", err)
}

func (s *BadgerStore) GetSnapshot(ctx context.Context, experimentID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixSnapshot+experimentID, &snap)
	})
	if err != nil {
		return nil, badgerErr("get snapshot", err)
	}
	return &snap, nil
}

func (s *BadgerStore) CreateFlag(ctx context.Context, f *FeatureFlag) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		for _, key := range []string{prefixFlag + f.ID, prefixFlagKey + f.Key} {
			found, err := exists(txn, key)
			if err != nil {
				return err
			}
			if found {
				return fmt.Errorf("flag %s: %w", f.Key, ErrAlreadyExists)
			}
		}
		if err := txn.Set([]byte(prefixFlagKey+f.Key), []byte(f.ID)); err != nil {
			return err
		}
		return setJSON(txn, prefixFlag+f.ID, f)
	})
	return badgerErr("insert flag", err)
}

func (s *BadgerStore) GetFlag(ctx context.Context, id string) (*FeatureFlag, error) {
	var f FeatureFlag
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixFlag+id, &f)
	})
	if err != nil {
		return nil, badgerErr("get flag", err)
	}
	return &f, nil
}

func (s *BadgerStore) GetFlagByKey(ctx context.Context, key string) (*FeatureFlag, error) {
	var f FeatureFlag
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixFlagKey + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, prefixFlag+string(id), &f)
	})
	if err != nil {
		return nil, badgerErr("get flag", err)
	}
	return &f, nil
}

func (s *BadgerStore) ListFlags(ctx context.Context) ([]*FeatureFlag, error) {
	var out []*FeatureFlag
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scan[FeatureFlag](txn, prefixFlag)
		return err
	})
	if err != nil {
		return nil, badgerErr("list flags", err)
	}
	slices.SortFunc(out, func(a, b *FeatureFlag) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out, nil
}

func (s *BadgerStore) UpdateFlag(ctx context.Context, f *FeatureFlag) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		var old FeatureFlag
		if err := getJSON(txn, prefixFlag+f.ID, &old); err != nil {
			return err
		}
		if old.Key != f.Key {
			found, err := exists(txn, prefixFlagKey+f.Key)
			if err != nil {
				return err
			}
			if found {
				return fmt.Errorf("flag key %s: %w", f.Key, ErrAlreadyExists)
			}
			if err := txn.Delete([]byte(prefixFlagKey + old.Key)); err != nil {
				return err
			}
			if err := txn.Set([]byte(prefixFlagKey+f.Key), []byte(f.ID)); err != nil {
				return err
			}
		}
		return setJSON(txn, prefixFlag+f.ID, f)
	})
	return badgerErr("update flag", err)
}
