package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatrooms/cmd/internal/dbschema"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pool is owned by the caller; this store never closes it. Table names are schema-qualified
// and quoted through pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	users  string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the Postgres schema (default "chat").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !dbschema.ValidIdent(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: dbschema.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	st.users = dbschema.Table(st.schema, "users")
	return st, nil
}

const userColumns = `id, username, username_norm, password_hash, profile_picture, bio, discoverable, last_seen, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.UsernameNorm,
		&u.PasswordHash,
		&u.ProfilePicture,
		&u.Bio,
		&u.Discoverable,
		&u.LastSeen,
		&u.CreatedAt,
	)
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	in, err := validateCreate(op, in)
	if err != nil {
		return User{}, err
	}

	u, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.users+` (username, username_norm, password_hash, profile_picture, discoverable, created_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5)
		 RETURNING `+userColumns,
		in.Username,
		NormalizeUsername(in.Username),
		in.PasswordHash,
		in.ProfilePicture,
		in.Now,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ConflictError{Op: op, Field: "username"}
		}
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (User, error) {
	const op = "identity.GetUser"

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.users+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, userNotFound(op)
	}
	return u, err
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const op = "identity.GetUserByUsername"

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.users+` WHERE username_norm = $1`, NormalizeUsername(username)))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, userNotFound(op)
	}
	return u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context, in ListUsersInput) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM ` + s.users
	if in.DiscoverableOnly {
		q += ` WHERE discoverable`
	}
	q += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateProfilePicture(ctx context.Context, id int64, url string) (User, error) {
	const op = "identity.UpdateProfilePicture"

	pic := trimPtr(&url)
	if pic == nil {
		return User{}, invalid(op, "profilePicture is required")
	}

	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE `+s.users+` SET profile_picture = $2 WHERE id = $1 RETURNING `+userColumns, id, *pic))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, userNotFound(op)
	}
	return u, err
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, id int64, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `UPDATE `+s.users+` SET last_seen = $2 WHERE id = $1`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return userNotFound("identity.TouchLastSeen")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
