package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/onnwee/nemesis/internal/tracing"
)

// PostgresStore implements Store using PostgreSQL with the pgvector extension.
// Embedding columns are nullable vector columns; NULL maps to a nil embedding.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

const userColumns = `id::text, username, display_name, avatar_url, bio, embedding, created_at, updated_at`

// GetUser retrieves a user by id.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (u *User, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "users", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	// Ids are uuids; anything else cannot name a user
	if !isUUID(id) {
		return nil, ErrUserNotFound
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1::uuid`

	row := s.db.QueryRowContext(ctx, query, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) || isInvalidTextRepresentation(err) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, s.unavailable("get user", err)
	}
	return user, nil
}

// ListCandidates returns every user whose id is not in exclude, ordered by id.
func (s *PostgresStore) ListCandidates(ctx context.Context, exclude []string) (users []User, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "users", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE NOT (id = ANY($1::uuid[]))
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(validUUIDs(exclude)))
	if err != nil {
		return nil, s.unavailable("list candidates", err)
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, s.unavailable("scan candidate", err)
		}
		users = append(users, *user)
	}
	if err = rows.Err(); err != nil {
		return nil, s.unavailable("iterate candidates", err)
	}
	return users, nil
}

// TagNamesForUsers returns tag names grouped by user id.
func (s *PostgresStore) TagNamesForUsers(ctx context.Context, userIDs []string) (result map[string][]string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "user_tags", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	result = make(map[string][]string, len(userIDs))
	ids := validUUIDs(userIDs)
	if len(ids) == 0 {
		return result, nil
	}

	query := `
		SELECT user_id::text, tag_name
		FROM user_tags
		WHERE user_id = ANY($1::uuid[])
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, s.unavailable("list user tags", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID, tagName string
		if err := rows.Scan(&userID, &tagName); err != nil {
			return nil, s.unavailable("scan user tag", err)
		}
		result[userID] = append(result[userID], tagName)
	}
	if err = rows.Err(); err != nil {
		return nil, s.unavailable("iterate user tags", err)
	}
	return result, nil
}

// JudgedTargets returns the targets of a user's likes or dislikes.
func (s *PostgresStore) JudgedTargets(ctx context.Context, sourceID string, kind JudgmentKind) (targets []string, err error) {
	var table string
	switch kind {
	case JudgmentLike:
		table = "user_likes"
	case JudgmentDislike:
		table = "user_dislikes"
	default:
		return nil, ErrInvalidJudgmentKind
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, table, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if !isUUID(sourceID) {
		return nil, nil
	}

	query := `SELECT target_user_id::text FROM ` + table + ` WHERE source_user_id = $1::uuid`

	rows, err := s.db.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, s.unavailable("list "+table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, s.unavailable("scan "+table, err)
		}
		targets = append(targets, target)
	}
	if err = rows.Err(); err != nil {
		return nil, s.unavailable("iterate "+table, err)
	}
	return targets, nil
}

// GetTags returns the known tags among names.
func (s *PostgresStore) GetTags(ctx context.Context, names []string) (result map[string]Tag, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "tags", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	result = make(map[string]Tag, len(names))
	if len(names) == 0 {
		return result, nil
	}

	query := `SELECT name, embedding FROM tags WHERE name = ANY($1::text[])`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, s.unavailable("get tags", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tag       Tag
			embedding *pgvector.Vector
		)
		if err := rows.Scan(&tag.Name, &embedding); err != nil {
			return nil, s.unavailable("scan tag", err)
		}
		if embedding != nil {
			tag.Embedding = embedding.Slice()
		}
		result[tag.Name] = tag
	}
	if err = rows.Err(); err != nil {
		return nil, s.unavailable("iterate tags", err)
	}
	return result, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u           User
		displayName sql.NullString
		avatarURL   sql.NullString
		bio         sql.NullString
		embedding   *pgvector.Vector
	)
	err := row.Scan(
		&u.ID,
		&u.Username,
		&displayName,
		&avatarURL,
		&bio,
		&embedding,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.DisplayName = displayName.String
	u.AvatarURL = avatarURL.String
	u.Bio = bio.String
	if embedding != nil {
		u.Embedding = embedding.Slice()
	}
	return &u, nil
}

func isUUID(s string) bool {
	return uuid.Validate(s) == nil
}

// validUUIDs drops ids that are not uuids; they cannot match a row and
// would fail the uuid[] cast.
func validUUIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if isUUID(id) {
			out = append(out, id)
		}
	}
	return out
}

// isInvalidTextRepresentation reports a Postgres 22P02 error, raised when a
// string does not parse as the column type.
func isInvalidTextRepresentation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

// unavailable logs a driver failure and wraps it as ErrStoreUnavailable.
func (s *PostgresStore) unavailable(op string, err error) error {
	s.logger.Error("profile store query failed",
		slog.String("operation", op),
		slog.String("error", err.Error()))
	return fmt.Errorf("failed to %s: %w: %w", op, ErrStoreUnavailable, err)
}
