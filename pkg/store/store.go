package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrUnknownKey = errors.New("unknown api key")
	ErrExpiredKey = errors.New("api key expired")
	ErrNotFound   = errors.New("not found")
)

const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
)

// Store owns the relay's SQLite database: registered API keys, audit log
// records with their stream chunks, and ad-hoc settings overrides.
type Store struct {
	db *sql.DB
}

type APIKey struct {
	ID        int64
	Name      string
	KeyHash   string
	Prefix    string
	Status    string
	CreatedAt time.Time
	ExpireAt  *time.Time
}

type LogRecord struct {
	ID                 int64
	CreatedAt          time.Time
	FinishedAt         *time.Time
	Route              string
	Method             string
	ClientKeyID        *int64
	ProviderBaseURL    string
	RequestHeadersHash string
	RequestPreview     string
	RequestFull        string
	ResponsePreview    string
	ResponseFull       string
	Streamed           bool
	Truncated          bool
	Partial            bool
	ProxyStatus        int
	ProviderStatus     *int
	ErrorCode          string
	ErrorMessage       string
	ProviderModel      string
	PromptTokens       *int
	CompletionTokens   *int
	TotalTokens        *int
	LatencyMS          *int64
}

type Chunk struct {
	Seq       int       `json:"seq"`
	Text      string    `json:"chunk_text"`
	CreatedAt time.Time `json:"created_at"`
}

// LogClose carries the terminal fields written when a record closes.
type LogClose struct {
	FinishedAt       time.Time
	ProxyStatus      int
	ProviderStatus   *int
	ResponsePreview  string
	ResponseFull     string
	Streamed         bool
	Truncated        bool
	Partial          bool
	ErrorCode        string
	ErrorMessage     string
	ProviderModel    string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	LatencyMS        int64
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open relay db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate relay db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			key_hash   TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			expire_at  DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at           DATETIME NOT NULL,
			finished_at          DATETIME,
			route                TEXT NOT NULL,
			method               TEXT NOT NULL,
			client_key_id        INTEGER,
			provider_base_url    TEXT,
			request_headers_hash TEXT,
			request_preview      TEXT,
			request_full         TEXT,
			response_preview     TEXT,
			response_full        TEXT,
			streamed             INTEGER NOT NULL DEFAULT 0,
			truncated            INTEGER NOT NULL DEFAULT 0,
			partial              INTEGER NOT NULL DEFAULT 0,
			proxy_status         INTEGER,
			provider_status      INTEGER,
			error_code           TEXT,
			error_message        TEXT,
			provider_model       TEXT,
			prompt_tokens        INTEGER,
			completion_tokens    INTEGER,
			total_tokens         INTEGER,
			latency_ms           INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS log_chunks (
			log_id     INTEGER NOT NULL,
			seq        INTEGER NOT NULL,
			chunk_text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (log_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_created ON logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_key ON logs(client_key_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// HashKey returns the SHA-256 hex hash and an 8-char prefix for a key.
func HashKey(key string) (hash, prefix string) {
	h := sha256.Sum256([]byte(key))
	hash = hex.EncodeToString(h[:])
	if len(key) > 8 {
		prefix = key[:8]
	} else {
		prefix = key
	}
	return hash, prefix
}

// NewKeyMaterial generates a fresh plaintext API key.
func NewKeyMaterial() string {
	return "lr-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Store) CreateKey(ctx context.Context, name string, expireAt *time.Time) (APIKey, string, error) {
	plaintext := NewKeyMaterial()
	hash, prefix := HashKey(plaintext)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (name, key_hash, key_prefix, status, created_at, expire_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, hash, prefix, KeyStatusActive, now, expireAt)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return APIKey{}, "", fmt.Errorf("api key id: %w", err)
	}
	return APIKey{
		ID:        id,
		Name:      name,
		KeyHash:   hash,
		Prefix:    prefix,
		Status:    KeyStatusActive,
		CreatedAt: now,
		ExpireAt:  expireAt,
	}, plaintext, nil
}

func (s *Store) ListKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, key_hash, key_prefix, status, created_at, expire_at
		 FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var expire sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &k.Status, &k.CreatedAt, &expire); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if expire.Valid {
			t := expire.Time
			k.ExpireAt = &t
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) RevokeKey(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET status = ? WHERE id = ?`, KeyStatusRevoked, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveKey maps a presented plaintext credential to its registered key.
// Returns ErrUnknownKey on no match or a revoked key, ErrExpiredKey past
// expiry.
func (s *Store) ResolveKey(ctx context.Context, credential string) (APIKey, error) {
	hash, _ := HashKey(credential)
	var k APIKey
	var expire sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, key_prefix, status, created_at, expire_at
		 FROM api_keys WHERE key_hash = ? AND status = ?`,
		hash, KeyStatusActive).
		Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &k.Status, &k.CreatedAt, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrUnknownKey
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("resolve api key: %w", err)
	}
	if expire.Valid {
		t := expire.Time
		k.ExpireAt = &t
		if !time.Now().UTC().Before(t) {
			return APIKey{}, ErrExpiredKey
		}
	}
	return k, nil
}

func (s *Store) InsertLog(ctx context.Context, rec LogRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs
		 (created_at, route, method, client_key_id, provider_base_url,
		  request_headers_hash, request_preview, request_full, truncated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CreatedAt, rec.Route, rec.Method, rec.ClientKeyID, rec.ProviderBaseURL,
		rec.RequestHeadersHash, rec.RequestPreview, rec.RequestFull, boolInt(rec.Truncated))
	if err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("log id: %w", err)
	}
	return id, nil
}

// LogCreatedAt reads a record's open time, in UTC.
func (s *Store) LogCreatedAt(ctx context.Context, id int64) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM logs WHERE id = ?`, id).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("log created_at: %w", err)
	}
	return t.UTC(), nil
}

// CloseLog writes the terminal fields for a record. The WHERE clause keeps
// a closed record closed: a second close is a no-op.
func (s *Store) CloseLog(ctx context.Context, id int64, c LogClose) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE logs SET
			finished_at = ?, proxy_status = ?, provider_status = ?,
			response_preview = ?, response_full = ?,
			streamed = ?, truncated = truncated OR ?, partial = ?,
			error_code = ?, error_message = ?, provider_model = ?,
			prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
			latency_ms = ?
		 WHERE id = ? AND finished_at IS NULL`,
		c.FinishedAt, c.ProxyStatus, c.ProviderStatus,
		c.ResponsePreview, c.ResponseFull,
		boolInt(c.Streamed), boolInt(c.Truncated), boolInt(c.Partial),
		c.ErrorCode, c.ErrorMessage, c.ProviderModel,
		c.PromptTokens, c.CompletionTokens, c.TotalTokens,
		c.LatencyMS, id)
	if err != nil {
		return fmt.Errorf("close log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) InsertChunks(ctx context.Context, logID int64, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunks tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO log_chunks (log_id, seq, chunk_text, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, logID, c.Seq, c.Text, c.CreatedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert chunk %d: %w", c.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListLogs(ctx context.Context, limit, offset int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, finished_at, route, method, client_key_id,
			provider_base_url, request_headers_hash, request_preview,
			response_preview, streamed, truncated, partial,
			proxy_status, provider_status, error_code, error_message,
			provider_model, prompt_tokens, completion_tokens, total_tokens,
			latency_ms
		 FROM logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	var out []LogRecord
	for rows.Next() {
		rec, err := scanLogRow(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetLog(ctx context.Context, id int64) (LogRecord, []Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, finished_at, route, method, client_key_id,
			provider_base_url, request_headers_hash, request_preview, request_full,
			response_preview, response_full, streamed, truncated, partial,
			proxy_status, provider_status, error_code, error_message,
			provider_model, prompt_tokens, completion_tokens, total_tokens,
			latency_ms
		 FROM logs WHERE id = ?`, id)
	rec, err := scanLogRow(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return LogRecord{}, nil, ErrNotFound
	}
	if err != nil {
		return LogRecord{}, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, chunk_text, created_at FROM log_chunks WHERE log_id = ? ORDER BY seq`, id)
	if err != nil {
		return LogRecord{}, nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.Seq, &c.Text, &c.CreatedAt); err != nil {
			return LogRecord{}, nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return rec, chunks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogRow(row rowScanner, full bool) (LogRecord, error) {
	var rec LogRecord
	var finished sql.NullTime
	var clientKey sql.NullInt64
	var providerStatus, prompt, completion, total sql.NullInt64
	var latency sql.NullInt64
	var proxyStatus sql.NullInt64
	var baseURL, headersHash, reqPreview, reqFull, respPreview, respFull sql.NullString
	var errCode, errMsg, model sql.NullString
	var streamed, truncated, partial int

	dest := []any{
		&rec.ID, &rec.CreatedAt, &finished, &rec.Route, &rec.Method, &clientKey,
		&baseURL, &headersHash, &reqPreview,
	}
	if full {
		dest = append(dest, &reqFull)
	}
	dest = append(dest, &respPreview)
	if full {
		dest = append(dest, &respFull)
	}
	dest = append(dest,
		&streamed, &truncated, &partial,
		&proxyStatus, &providerStatus, &errCode, &errMsg,
		&model, &prompt, &completion, &total,
		&latency)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LogRecord{}, err
		}
		return LogRecord{}, fmt.Errorf("scan log row: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	if clientKey.Valid {
		v := clientKey.Int64
		rec.ClientKeyID = &v
	}
	rec.ProviderBaseURL = baseURL.String
	rec.RequestHeadersHash = headersHash.String
	rec.RequestPreview = reqPreview.String
	rec.RequestFull = reqFull.String
	rec.ResponsePreview = respPreview.String
	rec.ResponseFull = respFull.String
	rec.Streamed = streamed != 0
	rec.Truncated = truncated != 0
	rec.Partial = partial != 0
	rec.ProxyStatus = int(proxyStatus.Int64)
	if providerStatus.Valid {
		v := int(providerStatus.Int64)
		rec.ProviderStatus = &v
	}
	rec.ErrorCode = errCode.String
	rec.ErrorMessage = errMsg.String
	rec.ProviderModel = model.String
	if prompt.Valid {
		v := int(prompt.Int64)
		rec.PromptTokens = &v
	}
	if completion.Valid {
		v := int(completion.Int64)
		rec.CompletionTokens = &v
	}
	if total.Valid {
		v := int(total.Int64)
		rec.TotalTokens = &v
	}
	if latency.Valid {
		v := latency.Int64
		rec.LatencyMS = &v
	}
	return rec, nil
}

// GetSetting reads an ad-hoc override; ok is false when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return v, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
