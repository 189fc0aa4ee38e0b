package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

const userColumns = `user_id, username, password_hash, used_per_day, usage_day, total_usage,
    session_id, session_high_water, last_activity, created_at`

// SQLStore keeps users in a relational database. MySQL DSNs need parseTime=true.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQLStore opens the database for dialect and creates the schema.
func OpenSQLStore(ctx context.Context, dialect, dsn string) (*SQLStore, error) {
	driverName, err := driverFor(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// a single connection keeps :memory: databases alive and serialises writers
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := driverFor(dialect); err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func driverFor(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "sqlite3", nil
	case DialectPostgres:
		return "postgres", nil
	case DialectMySQL:
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	timestamp := "TIMESTAMP"
	switch s.dialect {
	case DialectPostgres:
		timestamp = "TIMESTAMPTZ"
	case DialectMySQL:
		timestamp = "DATETIME(6)"
	}

	table := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS users (
    user_id VARCHAR(128) NOT NULL PRIMARY KEY,
    username VARCHAR(255) NOT NULL,
    password_hash VARCHAR(255) NOT NULL,
    used_per_day BIGINT NOT NULL DEFAULT 0,
    usage_day VARCHAR(10) NOT NULL DEFAULT '',
    total_usage BIGINT NOT NULL DEFAULT 0,
    session_id VARCHAR(64) NOT NULL DEFAULT '',
    session_high_water BIGINT NOT NULL DEFAULT 0,
    last_activity %[1]s NOT NULL,
    created_at %[1]s NOT NULL%[2]s
)`, timestamp, mysqlIndexes(s.dialect))

	stmts := []string{table}
	if s.dialect != DialectMySQL {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_users_last_activity ON users(last_activity)`,
			`CREATE INDEX IF NOT EXISTS idx_users_total_usage ON users(total_usage)`,
		)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func mysqlIndexes(dialect string) string {
	if dialect != DialectMySQL {
		return ""
	}
	return `,
    INDEX idx_users_last_activity (last_activity),
    INDEX idx_users_total_usage (total_usage)`
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.UsedPerDay, &u.UsageDay, &u.TotalUsage,
		&u.SessionID, &u.SessionHighWater, &u.LastActivity, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.LastActivity = u.LastActivity.UTC()
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *SQLStore) Create(ctx context.Context, u User) error {
	query := s.rebind(`INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Username, u.PasswordHash, u.UsedPerDay, u.UsageDay, u.TotalUsage,
		u.SessionID, u.SessionHighWater, u.LastActivity.UTC(), u.CreatedAt.UTC())
	if err != nil {
		if _, getErr := s.Get(ctx, u.ID); getErr == nil {
			return ErrUserExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, userID string) (*User, error) {
	query := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE user_id = ?`)
	return scanUser(s.db.QueryRowContext(ctx, query, userID))
}

func (s *SQLStore) MergeActivity(ctx context.Context, sync ActivitySync) (*User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + userColumns + ` FROM users WHERE user_id = ?`
	if s.dialect != DialectSQLite {
		query += ` FOR UPDATE`
	}
	u, err := scanUser(tx.QueryRowContext(ctx, s.rebind(query), sync.UserID))
	if err != nil {
		return nil, err
	}

	Merge(u, sync)

	update := s.rebind(`UPDATE users SET used_per_day = ?, usage_day = ?, total_usage = ?,
    session_id = ?, session_high_water = ?, last_activity = ? WHERE user_id = ?`)
	if _, err := tx.ExecContext(ctx, update,
		u.UsedPerDay, u.UsageDay, u.TotalUsage, u.SessionID, u.SessionHighWater, u.LastActivity.UTC(), u.ID); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit merge: %w", err)
	}
	return u, nil
}

func (s *SQLStore) Delete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLStore) ActiveSince(ctx context.Context, threshold time.Time) ([]User, error) {
	query := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE last_activity > ? ORDER BY last_activity DESC`)
	return s.list(ctx, query, threshold.UTC())
}

func (s *SQLStore) HighUsage(ctx context.Context, minTotal int64) ([]User, error) {
	query := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE total_usage >= ? ORDER BY total_usage DESC`)
	return s.list(ctx, query, minTotal)
}

func (s *SQLStore) list(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
