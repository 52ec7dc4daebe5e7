package storage

import (
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/interopx/dsagent/internal/query"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	// REGEX criteria compile to calls of this scalar function; patterns
	// arrive already prefixed with (?i) by the query compiler.
	sqlite.MustRegisterDeterministicScalarFunction("regexp", 2,
		func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			pat, ok := args[0].(string)
			if !ok {
				return int64(0), nil
			}
			var text string
			switch v := args[1].(type) {
			case string:
				text = v
			case int64:
				text = fmt.Sprintf("%d", v)
			case float64:
				text = fmt.Sprintf("%v", v)
			default:
				return int64(0), nil
			}
			re, err := compiledPattern(pat)
			if err != nil {
				return nil, fmt.Errorf("invalid regex filter %q: %w", pat, err)
			}
			if re.MatchString(text) {
				return int64(1), nil
			}
			return int64(0), nil
		})
}

var (
	patternMu    sync.Mutex
	patternCache = make(map[string]*regexp.Regexp)
)

func compiledPattern(pat string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pat]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, err
	}
	patternCache[pat] = re
	return re, nil
}

// Store wraps a SQLite database holding JSON documents, one logical
// collection per source name, plus the change log backing the feed
// capture strategy.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex
}

// Open opens (or creates) a SQLite database named dbName under dataDir and
// runs pending migrations. Pass ":memory:" as dataDir for an in-memory
// database (used by tests).
func Open(dataDir, dbName string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, dbName+".db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if dsn != ":memory:" {
		// Enable WAL mode so a feed tailer in another process can read
		// the change log while this process writes.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting journal mode: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Document CRUD ---

// Find returns every document in source matching the criteria, honoring
// its limit when positive.
func (s *Store) Find(source string, crit query.Criteria) ([]Document, error) {
	clause, args, err := query.Filter(crit)
	if err != nil {
		return nil, err
	}

	q := "SELECT doc FROM documents WHERE source = ? AND (" + clause + ")"
	all := append([]any{source}, args...)
	if crit.Limit > 0 {
		q += " LIMIT ?"
		all = append(all, crit.Limit)
	}

	rows, err := s.db.Query(q, all...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", source, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d Document
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decoding document from %s: %w", source, err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// FindOne returns the first document matching the criteria, or ErrNotFound.
func (s *Store) FindOne(source string, crit query.Criteria) (Document, error) {
	crit.Limit = 1
	docs, err := s.Find(source, crit)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// FindAll returns every document in source.
func (s *Store) FindAll(source string) ([]Document, error) {
	return s.Find(source, query.Criteria{})
}

// Insert stores doc in source, assigning an id if the document has none,
// and returns the stored document.
func (s *Store) Insert(source string, doc Document) (Document, error) {
	stored := doc.Clone()
	if stored == nil {
		stored = Document{}
	}
	if stored.ID() == "" {
		stored["id"] = uuid.New().String()
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(
		`INSERT INTO documents (source, id, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		source, stored.ID(), string(raw), now, now,
	); err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", source, err)
	}
	return stored, nil
}

// InsertMany stores each document in order, returning the stored documents.
func (s *Store) InsertMany(source string, docs []Document) ([]Document, error) {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		stored, err := s.Insert(source, d)
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// Update applies patch (a set of dotted-path field assignments) to every
// document matching the criteria and returns the ids of the updated
// documents. There is no optimistic concurrency check: concurrent
// read-modify-write cycles are last-writer-wins.
func (s *Store) Update(source string, crit query.Criteria, patch Document) ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	docs, err := s.Find(source, crit)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, d := range docs {
		updated := d.Clone()
		applyPatch(updated, patch)
		if err := s.replace(source, updated); err != nil {
			return ids, err
		}
		ids = append(ids, updated.ID())
	}
	return ids, nil
}

// Delete removes the document with the given id from source. It reports
// whether a document was actually removed.
func (s *Store) Delete(source, id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM documents WHERE source = ? AND id = ?`, source, id)
	if err != nil {
		return false, fmt.Errorf("deleting from %s: %w", source, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteWhere removes every document matching the criteria and returns the
// removed documents.
func (s *Store) DeleteWhere(source string, crit query.Criteria) ([]Document, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	docs, err := s.Find(source, crit)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if _, err := s.Delete(source, d.ID()); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// FindOneAndUpdate applies patch to the first document matching the
// criteria and returns the updated document, or ErrNotFound.
func (s *Store) FindOneAndUpdate(source string, crit query.Criteria, patch Document) (Document, error) {
	return s.findOneAndApply(source, crit, func(d Document) {
		applyPatch(d, patch)
	})
}

// FindOneAndPush appends each patch value to the named array field of the
// first matching document and returns the updated document.
func (s *Store) FindOneAndPush(source string, crit query.Criteria, push Document) (Document, error) {
	return s.findOneAndApply(source, crit, func(d Document) {
		for path, v := range push {
			if vals, ok := v.([]any); ok {
				for _, el := range vals {
					d.Push(path, el)
				}
				continue
			}
			d.Push(path, v)
		}
	})
}

// FindOneAndPull removes each patch value from the named array field of
// the first matching document and returns the updated document.
func (s *Store) FindOneAndPull(source string, crit query.Criteria, pull Document) (Document, error) {
	return s.findOneAndApply(source, crit, func(d Document) {
		for path, v := range pull {
			if vals, ok := v.([]any); ok {
				for _, el := range vals {
					d.Pull(path, el)
				}
				continue
			}
			d.Pull(path, v)
		}
	})
}

func (s *Store) findOneAndApply(source string, crit query.Criteria, apply func(Document)) (Document, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := s.FindOne(source, crit)
	if err != nil {
		return nil, err
	}
	updated := doc.Clone()
	apply(updated)
	if err := s.replace(source, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) replace(source string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(
		`UPDATE documents SET doc = ?, updated_at = ? WHERE source = ? AND id = ?`,
		string(raw), now, source, doc.ID(),
	)
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", source, doc.ID(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("updating %s/%s: %w", source, doc.ID(), ErrNotFound)
	}
	return nil
}

func applyPatch(doc, patch Document) {
	for path, v := range patch {
		doc.Set(path, v)
	}
}

// --- Change log ---

// EnableChangeLog installs the triggers that record every document
// mutation into the change_log table. Idempotent; called by the feed
// capture strategy at readiness time.
func (s *Store) EnableChangeLog() error {
	stmts := []string{
		`CREATE TRIGGER IF NOT EXISTS documents_log_insert AFTER INSERT ON documents BEGIN
			INSERT INTO change_log (source, op, doc_id, new_doc) VALUES (NEW.source, 'insert', NEW.id, NEW.doc);
		END`,
		`CREATE TRIGGER IF NOT EXISTS documents_log_update AFTER UPDATE ON documents BEGIN
			INSERT INTO change_log (source, op, doc_id, old_doc, new_doc) VALUES (NEW.source, 'update', NEW.id, OLD.doc, NEW.doc);
		END`,
		`CREATE TRIGGER IF NOT EXISTS documents_log_delete AFTER DELETE ON documents BEGIN
			INSERT INTO change_log (source, op, doc_id, old_doc) VALUES (OLD.source, 'delete', OLD.id, OLD.doc);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("installing change-log trigger: %w", err)
		}
	}
	return nil
}

// LastChangeSeq returns the highest change-log sequence number, or 0 when
// the log is empty.
func (s *Store) LastChangeSeq() (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM change_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading change-log head: %w", err)
	}
	return seq.Int64, nil
}

// ChangesSince returns up to limit change-log rows with seq strictly
// greater than after, in sequence order.
func (s *Store) ChangesSince(after int64, limit int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT seq, source, op, doc_id, old_doc, new_doc, logged_at
		 FROM change_log WHERE seq > ? ORDER BY seq ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("reading change log: %w", err)
	}
	defer rows.Close()

	var recs []ChangeRecord
	for rows.Next() {
		var (
			rec      ChangeRecord
			op       string
			oldRaw   sql.NullString
			newRaw   sql.NullString
			loggedAt string
		)
		if err := rows.Scan(&rec.Seq, &rec.Source, &op, &rec.DocID, &oldRaw, &newRaw, &loggedAt); err != nil {
			return nil, err
		}
		rec.Op = ChangeOp(op)
		if oldRaw.Valid {
			if err := json.Unmarshal([]byte(oldRaw.String), &rec.OldDoc); err != nil {
				return nil, fmt.Errorf("decoding change-log old document: %w", err)
			}
		}
		if newRaw.Valid {
			if err := json.Unmarshal([]byte(newRaw.String), &rec.NewDoc); err != nil {
				return nil, fmt.Errorf("decoding change-log new document: %w", err)
			}
		}
		if t, err := time.Parse("2006-01-02 15:04:05", loggedAt); err == nil {
			rec.LoggedAt = t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
