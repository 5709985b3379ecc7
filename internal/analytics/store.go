package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/danielpatrickdp/affect-state/internal/cipher"
	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/metrics"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	profile_id    TEXT PRIMARY KEY,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS key_generations (
	key_id          TEXT PRIMARY KEY,
	profile_id      TEXT NOT NULL,
	salt            BLOB NOT NULL,
	kdf_time        INTEGER NOT NULL,
	kdf_memory_kib  INTEGER NOT NULL,
	kdf_threads     INTEGER NOT NULL,
	verifier_nonce  BLOB NOT NULL,
	verifier_ct     BLOB NOT NULL,
	verifier_tag    BLOB NOT NULL,
	retired         INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	FOREIGN KEY (profile_id) REFERENCES profiles(profile_id)
);

CREATE TABLE IF NOT EXISTS records (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id      TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	format_version  INTEGER NOT NULL,
	key_id          TEXT NOT NULL,
	nonce           BLOB NOT NULL,
	ciphertext      BLOB NOT NULL,
	tag             BLOB NOT NULL,
	UNIQUE (profile_id, session_id, seq),
	FOREIGN KEY (profile_id) REFERENCES profiles(profile_id)
);

CREATE TABLE IF NOT EXISTS cycle_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id    TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	seq           INTEGER,
	event         TEXT NOT NULL,
	detail        TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (profile_id) REFERENCES profiles(profile_id)
);

CREATE INDEX IF NOT EXISTS idx_key_generations_profile ON key_generations(profile_id);
CREATE INDEX IF NOT EXISTS idx_cycle_log_profile ON cycle_log(profile_id, session_id);
`

// Purge deletes children before parents so foreign keys hold mid-transaction.
var purgeStatements = []string{
	`DELETE FROM cycle_log WHERE profile_id = ?`,
	`DELETE FROM records WHERE profile_id = ?`,
	`DELETE FROM key_generations WHERE profile_id = ?`,
	`DELETE FROM profiles WHERE profile_id = ?`,
}

const (
	recordTypeState    = "fused_state"
	recordTypeVerifier = "key_verifier"
	verifierPlaintext  = "affect-state/verifier/v1"
)

// #endregion schema

// #region store-struct

// Store is the encrypted append-only history of fused states. Every record is
// sealed under the owning profile's active key generation; the database never
// sees plaintext states.
type Store struct {
	db     *sql.DB
	keys   *cipher.Keyring
	kdf    cipher.KDFParams
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*sync.Mutex
}

type sessionKey struct {
	profile string
	session string
}

// #endregion store-struct

// #region constructor

// NewStore opens a SQLite database and runs migrations. kdf applies to key
// generations created through this store; existing generations keep the
// parameters they were created with.
func NewStore(dbPath string, kdf cipher.KDFParams, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{
		db:       db,
		keys:     cipher.NewKeyring(),
		kdf:      kdf,
		logger:   logger.With("component", "analytics"),
		sessions: make(map[sessionKey]*sync.Mutex),
	}, nil
}

// dsn applies the pragmas on every pooled connection, not just the first.
// secure_delete zeroes freed pages so purged ciphertext does not linger.
func dsn(path string) string {
	v := url.Values{}
	v.Add("_pragma", "busy_timeout(5000)")
	v.Add("_pragma", "journal_mode(WAL)")
	v.Add("_pragma", "foreign_keys(1)")
	v.Add("_pragma", "secure_delete(1)")
	v.Set("_txlock", "immediate")
	return path + "?" + v.Encode()
}

// #endregion constructor

// #region close

// Close zeroes every loaded key and closes the database.
func (s *Store) Close() error {
	s.keys.Close()
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region profiles

// CreateProfile registers profileID with a first key generation derived from
// secret and leaves the profile unlocked.
func (s *Store) CreateProfile(ctx context.Context, profileID string, secret []byte) error {
	if err := validateID("profile", profileID); err != nil {
		return err
	}
	gen, km, err := s.newGeneration(profileID, secret)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			km.Zero()
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (profile_id, created_at) VALUES (?, ?)`,
		profileID, now,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create profile %s: %w", profileID, ErrProfileExists)
		}
		return fmt.Errorf("insert profile: %w", err)
	}
	if err := insertGeneration(ctx, tx, profileID, gen, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true

	s.keys.Add(profileID, km, true)
	s.logger.Info("profile created", "profile", profileID, "key_id", km.KeyID)
	return nil
}

// Unlock derives every key generation of profileID from secret. A secret
// that does not open the stored verifiers fails with cipher.ErrAuthentication
// and loads nothing.
func (s *Store) Unlock(ctx context.Context, profileID string, secret []byte) error {
	gens, err := s.generations(ctx, profileID)
	if err != nil {
		return err
	}
	if len(gens) == 0 {
		return fmt.Errorf("unlock %s: %w", profileID, ErrProfileNotFound)
	}

	loaded := make([]*cipher.KeyMaterial, 0, len(gens))
	for _, g := range gens {
		km, err := g.verify(profileID, secret)
		if err != nil {
			for _, k := range loaded {
				k.Zero()
			}
			return fmt.Errorf("unlock %s: %w", profileID, err)
		}
		loaded = append(loaded, km)
	}

	for i, km := range loaded {
		s.keys.Add(profileID, km, i == len(loaded)-1 && !km.Retired())
	}
	s.logger.Debug("profile unlocked", "profile", profileID, "generations", len(loaded))
	return nil
}

// Lock zeroes the profile's loaded keys. Records stay on disk.
func (s *Store) Lock(profileID string) {
	n := s.keys.Discard(profileID)
	s.logger.Debug("profile locked", "profile", profileID, "generations", n)
}

// Unlocked reports whether profileID has keys loaded.
func (s *Store) Unlocked(profileID string) bool {
	return s.keys.Unlocked(profileID)
}

// RotateKey opens a new key generation for profileID under a fresh salt and
// retires the current one. Older records remain readable. Returns the new
// key id.
func (s *Store) RotateKey(ctx context.Context, profileID string, secret []byte) (string, error) {
	current, err := s.keys.Active(profileID)
	if err != nil {
		return "", fmt.Errorf("rotate %s: %w: %w", profileID, ErrProfileLocked, err)
	}
	gens, err := s.generations(ctx, profileID)
	if err != nil {
		return "", err
	}
	var verified bool
	for _, g := range gens {
		if g.keyID != current.KeyID {
			continue
		}
		check, err := g.verify(profileID, secret)
		if err != nil {
			return "", fmt.Errorf("rotate %s: %w", profileID, err)
		}
		check.Zero()
		verified = true
	}
	if !verified {
		return "", fmt.Errorf("rotate %s: active key %s: %w", profileID, current.KeyID, cipher.ErrKeyNotFound)
	}

	gen, km, err := s.newGeneration(profileID, secret)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			km.Zero()
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertGeneration(ctx, tx, profileID, gen, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE key_generations SET retired = 1 WHERE key_id = ?`, current.KeyID,
	); err != nil {
		return "", fmt.Errorf("retire generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	committed = true

	if err := s.keys.Retire(current.KeyID); err != nil {
		return "", err
	}
	s.keys.Add(profileID, km, true)
	s.logger.Info("key rotated", "profile", profileID, "retired", current.KeyID, "active", km.KeyID)
	return km.KeyID, nil
}

// HasProfile reports whether profileID is registered.
func (s *Store) HasProfile(ctx context.Context, profileID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profiles WHERE profile_id = ?`, profileID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup profile: %w", err)
	}
	return n > 0, nil
}

// #endregion profiles

// #region append

// Append seals state and stores it as the next record of the session. The
// sequence number is assigned here, starting at 1, and returned. A context
// cancelled before commit leaves nothing behind.
func (s *Store) Append(ctx context.Context, profileID, sessionID string, state emotion.FusedState) (int64, error) {
	if err := validateID("profile", profileID); err != nil {
		return 0, err
	}
	if err := validateID("session", sessionID); err != nil {
		return 0, err
	}

	lock := s.sessionLock(profileID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	km, err := s.keys.Active(profileID)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w: %w", profileID, ErrProfileLocked, err)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE profile_id = ? AND session_id = ?`,
		profileID, sessionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	rec, err := cipher.Seal(payload, recordAD(profileID, sessionID, seq), km)
	if err != nil {
		return 0, fmt.Errorf("seal record: %w", err)
	}
	if err := insertRecord(ctx, tx, profileID, sessionID, seq, rec); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, profileID, sessionID string, seq int64, rec cipher.Record) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO records (profile_id, session_id, seq, format_version, key_id, nonce, ciphertext, tag)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		profileID, sessionID, seq, int64(rec.FormatVersion), rec.KeyID, rec.Nonce, rec.Ciphertext, rec.Tag,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert record %s/%s/%d: %w", profileID, sessionID, seq, ErrDuplicateSequence)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *Store) sessionLock(profileID, sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{profile: profileID, session: sessionID}
	m, ok := s.sessions[k]
	if !ok {
		m = &sync.Mutex{}
		s.sessions[k] = m
	}
	return m
}

// #endregion append

// #region query

// Query yields the profile's records in append order. A record that fails
// authentication or carries an unknown format is yielded as a *RecordError
// and iteration continues; any other error ends the sequence.
func (s *Store) Query(ctx context.Context, profileID string, f Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		q := `SELECT session_id, seq, format_version, key_id, nonce, ciphertext, tag
		      FROM records WHERE profile_id = ?`
		args := []any{profileID}
		if f.SessionID != "" {
			q += ` AND session_id = ?`
			args = append(args, f.SessionID)
		}
		q += ` ORDER BY id`

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(Entry{}, fmt.Errorf("query records: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				entry   = Entry{ProfileID: profileID}
				version int64
				rec     cipher.Record
			)
			if err := rows.Scan(&entry.SessionID, &entry.Seq, &version, &rec.KeyID, &rec.Nonce, &rec.Ciphertext, &rec.Tag); err != nil {
				yield(Entry{}, fmt.Errorf("scan record: %w", err))
				return
			}
			entry.KeyID = rec.KeyID
			if version >= 0 && version <= 255 {
				rec.FormatVersion = uint8(version)
			}
			rec.AssociatedData = recordAD(profileID, entry.SessionID, entry.Seq)

			state, err := s.openRecord(rec)
			if err != nil {
				metrics.RecordFailure(failureKind(err))
				s.logger.Warn("record skipped", "profile", profileID, "session", entry.SessionID, "seq", entry.Seq, "err", err)
				if !yield(entry, &RecordError{SessionID: entry.SessionID, Seq: entry.Seq, Err: err}) {
					return
				}
				continue
			}
			if !f.matches(state.FusedAt) {
				continue
			}
			entry.State = state
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Entry{}, fmt.Errorf("iterate records: %w", err))
		}
	}
}

func (s *Store) openRecord(rec cipher.Record) (emotion.FusedState, error) {
	if rec.FormatVersion != cipher.FormatVersion {
		return emotion.FusedState{}, &cipher.FormatError{Version: rec.FormatVersion}
	}
	km, err := s.keys.Get(rec.KeyID)
	if err != nil {
		return emotion.FusedState{}, err
	}
	plain, err := cipher.Open(rec, km)
	if err != nil {
		return emotion.FusedState{}, err
	}
	var state emotion.FusedState
	if err := json.Unmarshal(plain, &state); err != nil {
		return emotion.FusedState{}, fmt.Errorf("decode payload: %w: %w", cipher.ErrFormat, err)
	}
	return state, nil
}

// Collect drains a Query into states. Flagged records are counted and
// skipped; the first non-record error stops collection.
func Collect(seq iter.Seq2[Entry, error]) ([]emotion.FusedState, int, error) {
	var (
		states  []emotion.FusedState
		flagged int
	)
	for entry, err := range seq {
		if err != nil {
			var recErr *RecordError
			if errors.As(err, &recErr) {
				flagged++
				continue
			}
			return states, flagged, err
		}
		states = append(states, entry.State)
	}
	return states, flagged, nil
}

// Sessions lists the profile's session ids in order of first record.
func (s *Store) Sessions(ctx context.Context, profileID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM records WHERE profile_id = ?
		 GROUP BY session_id ORDER BY MIN(id)`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// #endregion query

// #region purge

// Purge deletes every record, audit entry and key generation of profileID
// in one transaction, then zeroes its loaded keys. On failure nothing is
// deleted and a *PurgeError is returned.
func (s *Store) Purge(ctx context.Context, profileID string) error {
	err := s.purge(ctx, profileID)
	metrics.ObservePurge(err == nil)
	if err != nil {
		s.logger.Error("purge failed", "profile", profileID, "err", err)
		return &PurgeError{ProfileID: profileID, Err: err}
	}

	n := s.keys.Discard(profileID)
	s.mu.Lock()
	for k := range s.sessions {
		if k.profile == profileID {
			delete(s.sessions, k)
		}
	}
	s.mu.Unlock()

	// Move freed pages out of the WAL so no stale copy survives the purge.
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.Warn("checkpoint after purge", "profile", profileID, "err", err)
	}
	s.logger.Info("profile purged", "profile", profileID, "generations_discarded", n)
	return nil
}

func (s *Store) purge(ctx context.Context, profileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range purgeStatements {
		if _, err := tx.ExecContext(ctx, stmt, profileID); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// #endregion purge

// #region generations

type generation struct {
	keyID    string
	salt     []byte
	params   cipher.KDFParams
	verifier cipher.Record
	retired  bool
}

func (s *Store) newGeneration(profileID string, secret []byte) (generation, *cipher.KeyMaterial, error) {
	salt, err := cipher.NewSalt()
	if err != nil {
		return generation{}, nil, err
	}
	km, err := cipher.DeriveKey(secret, salt, s.kdf)
	if err != nil {
		return generation{}, nil, err
	}
	verifier, err := cipher.Seal([]byte(verifierPlaintext), verifierAD(profileID, km.KeyID), km)
	if err != nil {
		km.Zero()
		return generation{}, nil, fmt.Errorf("seal verifier: %w", err)
	}
	return generation{
		keyID:    km.KeyID,
		salt:     salt,
		params:   s.kdf,
		verifier: verifier,
	}, km, nil
}

// verify re-derives the generation's key from secret and checks it against
// the stored verifier.
func (g generation) verify(profileID string, secret []byte) (*cipher.KeyMaterial, error) {
	km, err := cipher.DeriveKey(secret, g.salt, g.params)
	if err != nil {
		return nil, err
	}
	rec := g.verifier
	rec.AssociatedData = verifierAD(profileID, g.keyID)
	plain, err := cipher.Open(rec, km)
	if err != nil || string(plain) != verifierPlaintext {
		km.Zero()
		if err == nil {
			err = cipher.ErrAuthentication
		}
		return nil, err
	}
	if g.retired {
		km.Retire()
	}
	return km, nil
}

func insertGeneration(ctx context.Context, tx *sql.Tx, profileID string, g generation, createdAt string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO key_generations
		 (key_id, profile_id, salt, kdf_time, kdf_memory_kib, kdf_threads, verifier_nonce, verifier_ct, verifier_tag, retired, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		g.keyID, profileID, g.salt,
		int64(g.params.Time), int64(g.params.MemoryKiB), int64(g.params.Threads),
		g.verifier.Nonce, g.verifier.Ciphertext, g.verifier.Tag,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// generations returns profileID's key generations oldest first.
func (s *Store) generations(ctx context.Context, profileID string) ([]generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, salt, kdf_time, kdf_memory_kib, kdf_threads, verifier_nonce, verifier_ct, verifier_tag, retired
		 FROM key_generations WHERE profile_id = ? ORDER BY rowid`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	var out []generation
	for rows.Next() {
		var (
			g                        generation
			kdfTime, kdfMem, threads int64
			retired                  int
		)
		if err := rows.Scan(&g.keyID, &g.salt, &kdfTime, &kdfMem, &threads,
			&g.verifier.Nonce, &g.verifier.Ciphertext, &g.verifier.Tag, &retired); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		g.params = cipher.KDFParams{Time: uint32(kdfTime), MemoryKiB: uint32(kdfMem), Threads: uint8(threads)}
		g.verifier.FormatVersion = cipher.FormatVersion
		g.verifier.KeyID = g.keyID
		g.retired = retired != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// #endregion generations

// #region helpers

func recordAD(profileID, sessionID string, seq int64) []byte {
	return cipher.AssociatedData(
		strconv.Itoa(int(cipher.FormatVersion)),
		recordTypeState,
		profileID,
		sessionID,
		strconv.FormatInt(seq, 10),
	)
}

func verifierAD(profileID, keyID string) []byte {
	return cipher.AssociatedData(
		strconv.Itoa(int(cipher.FormatVersion)),
		recordTypeVerifier,
		profileID,
		keyID,
	)
}

func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s id must not be empty", kind)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, cipher.ErrAuthentication):
		return "authentication"
	case errors.Is(err, cipher.ErrFormat):
		return "format"
	case errors.Is(err, cipher.ErrKeyNotFound):
		return "key"
	}
	return "other"
}

// #endregion helpers
