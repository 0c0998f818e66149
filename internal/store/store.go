// Package store provides generic keyed CRUD with secondary-index lookups
// over the engine's named collections.
package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
)

// Collection names. Every collection the store serves is registered here;
// lookups against anything else fail with UNKNOWN_COLLECTION.
const (
	CollectionThreads       = "threads"
	CollectionMessages      = "messages"
	CollectionQuickCaptures = "quick_captures"
	CollectionSyncQueue     = "sync_queue"
	CollectionConflicts     = "conflicts"
	CollectionUserData      = "user_data"
)

// collectionSpec describes how a collection maps onto its table: the JSON
// field used as primary key, the fields promoted to indexed columns, and the
// scan order for GetAll/GetByIndex.
type collectionSpec struct {
	table   string
	key     string
	indexes []string
	orderBy string
}

var collections = map[string]collectionSpec{
	CollectionThreads: {
		table:   "threads",
		key:     "local_id",
		indexes: []string{"server_id", "sphere_id", "sync_status", "updated_at"},
		orderBy: "updated_at DESC",
	},
	CollectionMessages: {
		table:   "messages",
		key:     "local_id",
		indexes: []string{"server_id", "thread_id", "sync_status", "created_at"},
		orderBy: "created_at ASC",
	},
	CollectionQuickCaptures: {
		table:   "quick_captures",
		key:     "local_id",
		indexes: []string{"server_id", "sphere_id", "sync_status", "created_at"},
		orderBy: "created_at DESC",
	},
	CollectionSyncQueue: {
		table:   "sync_queue",
		key:     "id",
		indexes: []string{"status", "timestamp", "store", "entity_id"},
		orderBy: "timestamp ASC",
	},
	CollectionConflicts: {
		table:   "conflicts",
		key:     "id",
		indexes: []string{"entity_id", "status", "detected_at"},
		orderBy: "detected_at ASC",
	},
	CollectionUserData: {
		table:   "user_data",
		key:     "id",
		indexes: []string{"user_id", "updated_at"},
		orderBy: "updated_at DESC",
	},
}

// Store provides generic keyed CRUD plus secondary-index queries over the
// named collections. It carries no business logic: callers own stamping,
// versioning and status transitions.
type Store struct {
	db *DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store over an opened database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying database handle for lifecycle queries (usage).
func (s *Store) DB() *DB {
	return s.db
}

// Close closes all cached prepared statements. The database handle itself is
// owned and closed by whoever opened it.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare statement", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// specFor returns the registered spec for a collection.
func specFor(collection string) (collectionSpec, error) {
	cs, ok := collections[collection]
	if !ok {
		return collectionSpec{}, apperrors.New(apperrors.ErrUnknownCollection,
			fmt.Sprintf("unknown collection: %s", collection))
	}
	return cs, nil
}

// Put inserts or replaces an item by its primary key and returns the stored
// document. The item may be any JSON-marshalable value whose serialization
// carries the collection's key field.
func (s *Store) Put(collection string, item interface{}) (json.RawMessage, error) {
	cs, err := specFor(collection)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(item)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "item is not serializable", err)
	}

	// Index values must survive the round trip intact: plain Unmarshal
	// decodes numbers as float64, which cannot represent a UnixNano
	// timestamp exactly and would let adjacent queue items tie in the
	// drain order.
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "item is not a JSON object", err)
	}

	key, _ := fields[cs.key].(string)
	if key == "" {
		return nil, apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("item is missing primary key %q", cs.key))
	}

	cols := []string{cs.key}
	args := []interface{}{key}
	for _, idx := range cs.indexes {
		cols = append(cols, idx)
		args = append(args, indexValue(fields[idx]))
	}
	cols = append(cols, "doc")
	args = append(args, string(doc))

	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		cs.table, strings.Join(cols, ", "), placeholders(len(cols)))

	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}
	if _, err := stmt.Exec(args...); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to store item", err)
	}

	return doc, nil
}

// Get retrieves an item by primary key.
func (s *Store) Get(collection, key string) (json.RawMessage, error) {
	cs, err := specFor(collection)
	if err != nil {
		return nil, err
	}

	stmt, err := s.prepareStmt(fmt.Sprintf("SELECT doc FROM %s WHERE %s = ?", cs.table, cs.key))
	if err != nil {
		return nil, err
	}

	var doc string
	if err := stmt.QueryRow(key).Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrNotFound,
				fmt.Sprintf("%s: no item with key %s", collection, key))
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read item", err)
	}

	return json.RawMessage(doc), nil
}

// GetAll returns every item in a collection in its registered scan order.
func (s *Store) GetAll(collection string) ([]json.RawMessage, error) {
	cs, err := specFor(collection)
	if err != nil {
		return nil, err
	}
	return s.queryDocs(fmt.Sprintf("SELECT doc FROM %s ORDER BY %s", cs.table, cs.orderBy))
}

// GetByIndex returns all items whose indexed field equals value, in the
// collection's registered scan order. Only registered secondary indexes are
// queryable; anything else would silently table-scan.
func (s *Store) GetByIndex(collection, index string, value interface{}) ([]json.RawMessage, error) {
	cs, err := specFor(collection)
	if err != nil {
		return nil, err
	}
	if !cs.hasIndex(index) {
		return nil, apperrors.New(apperrors.ErrUnknownIndex,
			fmt.Sprintf("%s has no index %q", collection, index))
	}
	return s.queryDocs(
		fmt.Sprintf("SELECT doc FROM %s WHERE %s = ? ORDER BY %s", cs.table, index, cs.orderBy),
		indexValue(value))
}

// Delete removes an item by primary key. Returns NOT_FOUND if no row
// matched.
func (s *Store) Delete(collection, key string) error {
	cs, err := specFor(collection)
	if err != nil {
		return err
	}

	stmt, err := s.prepareStmt(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", cs.table, cs.key))
	if err != nil {
		return err
	}
	result, err := stmt.Exec(key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete item", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("%s: no item with key %s", collection, key))
	}
	return nil
}

// DeleteByIndex removes every item whose indexed field equals value and
// returns the number removed.
func (s *Store) DeleteByIndex(collection, index string, value interface{}) (int64, error) {
	cs, err := specFor(collection)
	if err != nil {
		return 0, err
	}
	if !cs.hasIndex(index) {
		return 0, apperrors.New(apperrors.ErrUnknownIndex,
			fmt.Sprintf("%s has no index %q", collection, index))
	}

	stmt, err := s.prepareStmt(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", cs.table, index))
	if err != nil {
		return 0, err
	}
	result, err := stmt.Exec(indexValue(value))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete items", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// Clear removes all items from a collection.
func (s *Store) Clear(collection string) error {
	cs, err := specFor(collection)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", cs.table)); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to clear collection", err)
	}
	return nil
}

// Count returns the number of items in a collection.
func (s *Store) Count(collection string) (int, error) {
	cs, err := specFor(collection)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", cs.table)).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count collection", err)
	}
	return count, nil
}

// CountByIndex returns the number of items whose indexed field equals value.
func (s *Store) CountByIndex(collection, index string, value interface{}) (int, error) {
	cs, err := specFor(collection)
	if err != nil {
		return 0, err
	}
	if !cs.hasIndex(index) {
		return 0, apperrors.New(apperrors.ErrUnknownIndex,
			fmt.Sprintf("%s has no index %q", collection, index))
	}

	stmt, err := s.prepareStmt(
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", cs.table, index))
	if err != nil {
		return 0, err
	}
	var count int
	if err := stmt.QueryRow(indexValue(value)).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count items", err)
	}
	return count, nil
}

// queryDocs runs a doc-projection query and collects the raw documents.
func (s *Store) queryDocs(query string, args ...interface{}) ([]json.RawMessage, error) {
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query failed", err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan row", err)
		}
		docs = append(docs, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "row iteration failed", err)
	}
	return docs, nil
}

func (cs collectionSpec) hasIndex(index string) bool {
	for _, idx := range cs.indexes {
		if idx == index {
			return true
		}
	}
	return false
}

// indexValue coerces JSON-decoded values into SQLite-friendly index values.
// Numbers arrive as json.Number from Put and as native Go types from query
// callers; integral ones are stored as INTEGER so index comparisons and
// ordering behave.
func indexValue(v interface{}) interface{} {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case float64:
		if n == math.Trunc(n) {
			return int64(n)
		}
		return n
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// placeholders returns a "?, ?, ..." list of length n.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
