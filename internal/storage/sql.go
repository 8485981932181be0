package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/oauth"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// OpenSQLite opens the database at dsn and applies the schema. Use
// "file::memory:?cache=shared" for a throwaway database.
func OpenSQLite(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies every schema file in name order. The statements are
// idempotent.
func migrate(ctx context.Context, db *sqlx.DB) error {
	files, err := fs.Glob(schemaFS, "schema/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list schema files: %w", err)
	}
	slices.Sort(files)

	for _, name := range files {
		stmt, err := schemaFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("failed to apply %s: %w", name, err)
		}
		log.LogDebug("Applied schema %s", name)
	}
	return nil
}

// isConstraintViolation checks for a SQLite primary key or UNIQUE violation
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// clientRow is a client record as stored in the clients table. The full
// record lives in the data column as JSON.
type clientRow struct {
	ClientID  string `db:"client_id"`
	Data      string `db:"data"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func newClientRow(c *oauth.Client) (*clientRow, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client: %w", err)
	}
	now := time.Now().Unix()
	created := now
	if !c.CreatedAt.IsZero() {
		created = c.CreatedAt.Unix()
	}
	return &clientRow{ClientID: c.ID, Data: string(data), CreatedAt: created, UpdatedAt: now}, nil
}

func (row *clientRow) client() (*oauth.Client, error) {
	var c oauth.Client
	if err := json.Unmarshal([]byte(row.Data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client %s: %w", row.ClientID, err)
	}
	return &c, nil
}

// SQLClientRegistry stores client registrations in a SQL database
type SQLClientRegistry struct {
	db *sqlx.DB
}

func NewSQLClientRegistry(db *sqlx.DB) *SQLClientRegistry {
	return &SQLClientRegistry{db: db}
}

func (r *SQLClientRegistry) Get(ctx context.Context, clientID string) (*oauth.Client, error) {
	var row clientRow
	err := r.db.GetContext(ctx, &row, `SELECT client_id, data, created_at, updated_at FROM clients WHERE client_id = ?`, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return row.client()
}

func (r *SQLClientRegistry) Exists(ctx context.Context, clientID string) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM clients WHERE client_id = ?`, clientID); err != nil {
		return false, fmt.Errorf("failed to check client: %w", err)
	}
	return n > 0, nil
}

func (r *SQLClientRegistry) Put(ctx context.Context, c *oauth.Client) error {
	row, err := newClientRow(c)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx,
		`INSERT INTO clients (client_id, data, created_at, updated_at) VALUES (:client_id, :data, :created_at, :updated_at)`,
		row)
	if isConstraintViolation(err) {
		return oauth.ErrClientExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

func (r *SQLClientRegistry) Update(ctx context.Context, c *oauth.Client) error {
	row, err := newClientRow(c)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx,
		`UPDATE clients SET data = :data, updated_at = :updated_at WHERE client_id = :client_id`,
		row)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return affectedOne(res, oauth.ErrClientNotFound)
}

func (r *SQLClientRegistry) Delete(ctx context.Context, clientID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return affectedOne(res, oauth.ErrClientNotFound)
}

func (r *SQLClientRegistry) GetAll(ctx context.Context) ([]*oauth.Client, error) {
	var rows []clientRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT client_id, data, created_at, updated_at FROM clients ORDER BY client_id`); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	clients := make([]*oauth.Client, 0, len(rows))
	for i := range rows {
		c, err := rows[i].client()
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func affectedOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// userRow is a user as stored in the users table
type userRow struct {
	Username     string `db:"username"`
	PasswordHash []byte `db:"password_hash"`
	Admin        bool   `db:"admin"`
	Claims       string `db:"claims"`
	CreatedAt    int64  `db:"created_at"`
}

func (row *userRow) user() (*User, error) {
	u := &User{
		Username:     row.Username,
		PasswordHash: row.PasswordHash,
		Admin:        row.Admin,
		CreatedAt:    time.Unix(row.CreatedAt, 0),
	}
	if row.Claims != "" {
		if err := json.Unmarshal([]byte(row.Claims), &u.Claims); err != nil {
			return nil, fmt.Errorf("failed to unmarshal claims of %s: %w", row.Username, err)
		}
	}
	return u, nil
}

// SQLUserRegistry is a user backend over the users table
type SQLUserRegistry struct {
	db *sqlx.DB
}

func NewSQLUserRegistry(db *sqlx.DB) *SQLUserRegistry {
	return &SQLUserRegistry{db: db}
}

// AddUser inserts a user, failing with ErrUserExists if the name is taken
func (r *SQLUserRegistry) AddUser(ctx context.Context, username, password string, admin bool, claims map[string]any) error {
	u, err := NewUser(username, password, admin, claims)
	if err != nil {
		return err
	}
	rawClaims, err := json.Marshal(u.Claims)
	if err != nil {
		return fmt.Errorf("failed to marshal claims: %w", err)
	}
	_, err = r.db.NamedExecContext(ctx,
		`INSERT INTO users (username, password_hash, admin, claims, created_at) VALUES (:username, :password_hash, :admin, :claims, :created_at)`,
		&userRow{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Admin:        u.Admin,
			Claims:       string(rawClaims),
			CreatedAt:    u.CreatedAt.Unix(),
		})
	if isConstraintViolation(err) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (r *SQLUserRegistry) user(ctx context.Context, username string) (*User, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row, `SELECT username, password_hash, admin, claims, created_at FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return row.user()
}

func (r *SQLUserRegistry) CheckPassword(ctx context.Context, username, password string) (bool, error) {
	u, err := r.user(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.checkPassword(password), nil
}

func (r *SQLUserRegistry) Claims(ctx context.Context, username string) (map[string]any, error) {
	u, err := r.user(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u.claims(), nil
}

func (r *SQLUserRegistry) IsAdmin(ctx context.Context, username string) (bool, error) {
	u, err := r.user(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Admin, nil
}
