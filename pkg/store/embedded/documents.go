package embedded

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/store"
	"github.com/ajitpratap0/geodoc/pkg/store/filter"
)

func (s *Server) insert(table string, doc store.Document) (store.WriteResult, error) {
	if doc == nil {
		return store.WriteResult{}, errors.New(errors.ErrorTypeValidation, "cannot insert a nil document")
	}
	doc = store.Encode(doc)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		res     store.WriteResult
		written store.Document
	)
	err := update(s.storage, func(tx storageTx) error {
		m, err := loadMeta(tx, table)
		if err != nil {
			return err
		}
		pkValue, ok := doc[m.PrimaryKey]
		if !ok || pkValue == nil {
			pkValue = uuid.NewString()
			doc[m.PrimaryKey] = pkValue
			res.GeneratedKeys = append(res.GeneratedKeys, pkValue)
		}
		key, err := canonicalKey(pkValue)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "invalid primary key")
		}

		b := tx.Bucket(tableBucketPrefix + table)
		if b.Get(key) != nil {
			res = store.WriteResult{
				Errors:     1,
				FirstError: fmt.Sprintf("Duplicate primary key `%s`: %v", m.PrimaryKey, pkValue),
			}
			return nil
		}

		data, err := encodeDoc(doc)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to encode document")
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		if written, err = decodeDoc(data); err != nil {
			return err
		}
		res.Inserted = 1
		return nil
	})
	if err != nil {
		return store.WriteResult{}, s.storageError(err, "insert failed")
	}
	if written != nil {
		s.feeds.publish(table, store.Change{NewVal: written})
	}
	return res, nil
}

func (s *Server) update(table string, key interface{}, patch store.Document, opts store.UpdateOptions) (store.WriteResult, error) {
	patch = store.Encode(patch)

	if opts.NonAtomic {
		// Read outside the write lock; the merged document is written in a second step.
		var current []byte
		err := view(s.storage, func(tx storageTx) error {
			_, k, b, err := tableBucket(tx, table, key)
			if err != nil {
				return err
			}
			current = append([]byte(nil), b.Get(k)...)
			return nil
		})
		if err != nil {
			return store.WriteResult{}, s.storageError(err, "update failed")
		}
		if len(current) == 0 {
			return store.WriteResult{Skipped: 1}, nil
		}
		return s.writeMerged(table, key, patch, current)
	}
	return s.writeMerged(table, key, patch, nil)
}

// writeMerged merges patch into the stored document and writes the result. When base is
// set it is merged into instead of the stored document, which must still exist.
func (s *Server) writeMerged(table string, key interface{}, patch store.Document, base []byte) (store.WriteResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		res      store.WriteResult
		old, cur store.Document
	)
	err := update(s.storage, func(tx storageTx) error {
		m, k, b, err := tableBucket(tx, table, key)
		if err != nil {
			return err
		}
		stored := b.Get(k)
		if stored == nil {
			res.Skipped = 1
			return nil
		}
		if base != nil {
			stored = base
		}

		if old, err = decodeDoc(stored); err != nil {
			return err
		}
		merged := make(store.Document, len(old)+len(patch))
		for f, v := range old {
			merged[f] = v
		}
		for f, v := range patch {
			merged[f] = v
		}
		if !filter.Equal(merged[m.PrimaryKey], old[m.PrimaryKey]) {
			res = store.WriteResult{
				Errors:     1,
				FirstError: fmt.Sprintf("Primary key `%s` cannot be changed", m.PrimaryKey),
			}
			old = nil
			return nil
		}

		data, err := encodeDoc(merged)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to encode document")
		}
		if bytes.Equal(data, stored) {
			res.Unchanged = 1
			old = nil
			return nil
		}
		if err := b.Put(k, data); err != nil {
			return err
		}
		if cur, err = decodeDoc(data); err != nil {
			return err
		}
		res.Replaced = 1
		return nil
	})
	if err != nil {
		return store.WriteResult{}, s.storageError(err, "update failed")
	}
	if cur != nil {
		s.feeds.publish(table, store.Change{OldVal: old, NewVal: cur})
	}
	return res, nil
}

func (s *Server) delete(table string, key interface{}) (store.WriteResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		res store.WriteResult
		old store.Document
	)
	err := update(s.storage, func(tx storageTx) error {
		_, k, b, err := tableBucket(tx, table, key)
		if err != nil {
			return err
		}
		stored := b.Get(k)
		if stored == nil {
			res.Skipped = 1
			return nil
		}
		if old, err = decodeDoc(stored); err != nil {
			return err
		}
		if err := b.Delete(k); err != nil {
			return err
		}
		res.Deleted = 1
		return nil
	})
	if err != nil {
		return store.WriteResult{}, s.storageError(err, "delete failed")
	}
	if old != nil {
		s.feeds.publish(table, store.Change{OldVal: old})
	}
	return res, nil
}

// tableBucket resolves the table metadata, the storage key for pk and the table bucket.
func tableBucket(tx storageTx, table string, pk interface{}) (*tableMeta, []byte, storageBucket, error) {
	m, err := loadMeta(tx, table)
	if err != nil {
		return nil, nil, nil, err
	}
	k, err := canonicalKey(pk)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid primary key")
	}
	return m, k, tx.Bucket(tableBucketPrefix + table), nil
}

// run evaluates a term. Get terms yield a single document, ordered terms a list and
// everything else a cursor over a snapshot of the matching rows.
func (s *Server) run(term store.Term) (interface{}, error) {
	table := term.TableName()

	if key, ok := term.Key(); ok {
		var doc store.Document
		err := view(s.storage, func(tx storageTx) error {
			_, k, b, err := tableBucket(tx, table, key)
			if err != nil {
				return err
			}
			data := b.Get(k)
			if data == nil {
				return nil
			}
			doc, err = decodeDoc(data)
			return err
		})
		if err != nil {
			return nil, s.storageError(err, "query failed")
		}
		if doc != nil {
			matched, err := filter.MatchAll(term.Filters(), doc)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeQuery, "invalid filter")
			}
			if !matched {
				doc = nil
			}
		}
		return doc, nil
	}

	var docs []store.Document
	err := view(s.storage, func(tx storageTx) error {
		if _, err := loadMeta(tx, table); err != nil {
			return err
		}
		return tx.Bucket(tableBucketPrefix + table).ForEach(func(_, data []byte) error {
			doc, err := decodeDoc(data)
			if err != nil {
				return err
			}
			matched, err := filter.MatchAll(term.Filters(), doc)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeQuery, "invalid filter")
			}
			if matched {
				docs = append(docs, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, s.storageError(err, "query failed")
	}

	if order := term.Order(); len(order) > 0 {
		sortDocs(docs, order)
	}
	docs = window(docs, term.SkipN(), term.LimitN())

	if term.Shape() == store.ShapeList {
		if docs == nil {
			docs = []store.Document{}
		}
		return docs, nil
	}
	s.logger.Debug("opened cursor", zap.String("table", table), zap.Int("rows", len(docs)))
	return newSliceCursor(docs), nil
}

func sortDocs(docs []store.Document, order bson.D) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, e := range order {
			a, _ := filter.Lookup(docs[i], e.Key)
			b, _ := filter.Lookup(docs[j], e.Key)
			c := filter.Compare(a, b)
			if c == 0 {
				continue
			}
			if descending(e.Value) {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func descending(dir interface{}) bool {
	switch d := dir.(type) {
	case string:
		return d == "desc" || d == "descending"
	case int:
		return d < 0
	case int32:
		return d < 0
	case int64:
		return d < 0
	case float64:
		return d < 0
	}
	return false
}

func window(docs []store.Document, skip, limit int64) []store.Document {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}
