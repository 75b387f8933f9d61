package index

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"videodup/internal/hash"
)

// SQLiteStore is a NodeStore backed by SQLite, the alternative to the heap
// file for deployments that prefer a queryable database. Sessions map to
// SQL transactions.
type SQLiteStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS children (
			parent INTEGER NOT NULL,
			label INTEGER NOT NULL,
			child INTEGER NOT NULL,
			PRIMARY KEY (parent, label)
		);
		CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node INTEGER NOT NULL,
			video TEXT NOT NULL,
			offset_ms INTEGER NOT NULL,
			mirrored INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_node ON entries(node);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	return nil
}

// q routes statements through the open transaction when one exists.
func (s *SQLiteStore) q() interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SQLiteStore) Begin() error {
	if s.tx != nil {
		return fmt.Errorf("sqlitestore: transaction already open")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

func (s *SQLiteStore) Commit() error {
	if s.tx == nil {
		return fmt.Errorf("sqlitestore: no open transaction")
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

func (s *SQLiteStore) Close() error {
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Root() (NodeID, error) {
	var root int64
	err := s.q().QueryRow("SELECT value FROM meta WHERE key = 'root'").Scan(&root)
	if err == sql.ErrNoRows {
		return NilNode, nil
	}
	if err != nil {
		return NilNode, err
	}
	return NodeID(root), nil
}

func (s *SQLiteStore) SetRoot(id NodeID) error {
	_, err := s.q().Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('root', ?)", int64(id))
	return err
}

func (s *SQLiteStore) Create(h hash.Hash, e Entry) (NodeID, error) {
	res, err := s.q().Exec("INSERT INTO nodes (hash) VALUES (?)", int64(h))
	if err != nil {
		return NilNode, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return NilNode, err
	}
	if err := s.AddEntry(NodeID(id), e); err != nil {
		return NilNode, err
	}
	return NodeID(id), nil
}

func (s *SQLiteStore) Node(id NodeID) (*Node, error) {
	var rawHash int64
	err := s.q().QueryRow("SELECT hash FROM nodes WHERE id = ?", int64(id)).Scan(&rawHash)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlitestore: no node %d", id)
	}
	if err != nil {
		return nil, err
	}

	n := &Node{Hash: hash.Hash(rawHash), Children: make(map[int]NodeID)}

	rows, err := s.q().Query(
		"SELECT video, offset_ms, mirrored FROM entries WHERE node = ? ORDER BY id", int64(id))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e Entry
		var offsetMs int64
		var mirrored int
		if err := rows.Scan(&e.Video, &offsetMs, &mirrored); err != nil {
			rows.Close()
			return nil, err
		}
		e.Offset = time.Duration(offsetMs) * time.Millisecond
		e.Mirrored = mirrored == 1
		n.Entries = append(n.Entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.q().Query(
		"SELECT label, child FROM children WHERE parent = ?", int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var label int
		var child int64
		if err := rows.Scan(&label, &child); err != nil {
			return nil, err
		}
		n.Children[label] = NodeID(child)
	}
	return n, rows.Err()
}

func (s *SQLiteStore) SetChild(parent NodeID, label int, child NodeID) error {
	_, err := s.q().Exec(
		"INSERT INTO children (parent, label, child) VALUES (?, ?, ?)",
		int64(parent), label, int64(child))
	return err
}

func (s *SQLiteStore) RemoveChild(parent NodeID, label int) error {
	_, err := s.q().Exec(
		"DELETE FROM children WHERE parent = ? AND label = ?", int64(parent), label)
	return err
}

func (s *SQLiteStore) AddEntry(id NodeID, e Entry) error {
	mirrored := 0
	if e.Mirrored {
		mirrored = 1
	}
	_, err := s.q().Exec(
		"INSERT INTO entries (node, video, offset_ms, mirrored) VALUES (?, ?, ?, ?)",
		int64(id), e.Video, e.Offset.Milliseconds(), mirrored)
	return err
}

func (s *SQLiteStore) SetEntries(id NodeID, entries []Entry) error {
	if _, err := s.q().Exec("DELETE FROM entries WHERE node = ?", int64(id)); err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.AddEntry(id, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Remove(id NodeID) error {
	if _, err := s.q().Exec("DELETE FROM entries WHERE node = ?", int64(id)); err != nil {
		return err
	}
	if _, err := s.q().Exec("DELETE FROM children WHERE parent = ?", int64(id)); err != nil {
		return err
	}
	_, err := s.q().Exec("DELETE FROM nodes WHERE id = ?", int64(id))
	return err
}
