package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/geostore/geostore/pkg/directory"
)

// Store implements directory.Directory using SQLite.
type Store struct {
	db *sql.DB
}

var _ directory.Directory = (*Store)(nil)

// Open opens (or creates) the directory database at path and applies any
// pending migrations. Use ":memory:" for an ephemeral database in tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc sqlite serializes access through a single connection; more
	// connections just contend on the file lock.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetUserByName retrieves a user and its current group memberships.
func (s *Store) GetUserByName(ctx context.Context, name string) (*directory.User, error) {
	var (
		user    directory.User
		roleStr string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, password_hash, role FROM users WHERE name = ?`, name,
	).Scan(&user.ID, &user.Name, &user.PasswordHash, &roleStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	role, ok := directory.ParseRole(roleStr)
	if !ok {
		return nil, fmt.Errorf("user %q has unknown role %q", name, roleStr)
	}
	user.Role = role

	groups, err := s.userGroups(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Groups = groups

	return &user, nil
}

// InsertUser creates a new user and returns its ID.
func (s *Store) InsertUser(ctx context.Context, user *directory.User) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, password_hash, role) VALUES (?, ?, ?)`,
		user.Name, user.PasswordHash, user.Role.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, directory.ErrAlreadyExists
		}
		return 0, fmt.Errorf("inserting user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting user id: %w", err)
	}
	user.ID = id
	return id, nil
}

// UpdateUser persists changes to an existing user's role and password.
func (s *Store) UpdateUser(ctx context.Context, user *directory.User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, role = ?,
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?`,
		user.PasswordHash, user.Role.String(), user.ID,
	)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return directory.ErrNotFound
	}
	return nil
}

// GetGroupByName retrieves a group and its attributes.
func (s *Store) GetGroupByName(ctx context.Context, name string) (*directory.Group, error) {
	var group directory.Group
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM groups WHERE name = ?`, name,
	).Scan(&group.ID, &group.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group: %w", err)
	}

	attrs, err := s.groupAttributes(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	group.Attributes = attrs

	return &group, nil
}

// InsertGroup creates a new group with its attributes and returns its ID.
func (s *Store) InsertGroup(ctx context.Context, group *directory.Group) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `INSERT INTO groups (name) VALUES (?)`, group.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, directory.ErrAlreadyExists
		}
		return 0, fmt.Errorf("inserting group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting group id: %w", err)
	}

	for _, attr := range group.Attributes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_attributes (group_id, name, value) VALUES (?, ?, ?)`,
			id, attr.Name, attr.Value,
		); err != nil {
			return 0, fmt.Errorf("inserting group attribute %q: %w", attr.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	group.ID = id
	return id, nil
}

// AssignUserToGroup adds the user to the group. Idempotent.
func (s *Store) AssignUserToGroup(ctx context.Context, userID, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_groups (user_id, group_id) VALUES (?, ?)
		 ON CONFLICT (user_id, group_id) DO NOTHING`,
		userID, groupID,
	)
	if err != nil {
		return fmt.Errorf("assigning user %d to group %d: %w", userID, groupID, err)
	}
	return nil
}

// DeassignUserFromGroup removes the user from the group. Idempotent.
func (s *Store) DeassignUserFromGroup(ctx context.Context, userID, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_groups WHERE user_id = ? AND group_id = ?`,
		userID, groupID,
	)
	if err != nil {
		return fmt.Errorf("deassigning user %d from group %d: %w", userID, groupID, err)
	}
	return nil
}

// FindGroupsByAttribute returns all groups carrying a matching attribute.
func (s *Store) FindGroupsByAttribute(
	ctx context.Context, name string, values []string, exactMatch bool,
) ([]directory.Group, error) {
	if len(values) == 0 {
		return nil, nil
	}

	valueColumn := "ga.value"
	if !exactMatch {
		valueColumn = "LOWER(ga.value)"
	}
	placeholders := make([]string, 0, len(values))
	args := []any{name}
	for _, v := range values {
		placeholders = append(placeholders, "?")
		if exactMatch {
			args = append(args, v)
		} else {
			args = append(args, strings.ToLower(v))
		}
	}

	//nolint:gosec // valueColumn is one of two constant expressions
	query := fmt.Sprintf(`
		SELECT DISTINCT g.id, g.name
		FROM groups g
		JOIN group_attributes ga ON ga.group_id = g.id
		WHERE ga.name = ? AND %s IN (%s)
		ORDER BY g.id`, valueColumn, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying groups by attribute: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []directory.Group
	for rows.Next() {
		var g directory.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group rows: %w", err)
	}
	// Close before fetching attributes: the pool is limited to a single
	// connection and groupAttributes needs it.
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing group rows: %w", err)
	}

	for i := range groups {
		attrs, err := s.groupAttributes(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Attributes = attrs
	}

	return groups, nil
}

// UpdateGroupAttributes replaces the group's attribute set.
func (s *Store) UpdateGroupAttributes(ctx context.Context, groupID int64, attributes []directory.Attribute) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM groups WHERE id = ?`, groupID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up group: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM group_attributes WHERE group_id = ?`, groupID,
	); err != nil {
		return fmt.Errorf("deleting old attributes: %w", err)
	}

	for _, attr := range attributes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_attributes (group_id, name, value) VALUES (?, ?, ?)`,
			groupID, attr.Name, attr.Value,
		); err != nil {
			return fmt.Errorf("inserting group attribute %q: %w", attr.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// userGroups fetches the groups a user is assigned to, with attributes.
func (s *Store) userGroups(ctx context.Context, userID int64) ([]directory.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name
		FROM groups g
		JOIN user_groups ug ON ug.group_id = g.id
		WHERE ug.user_id = ?
		ORDER BY g.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying user groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []directory.Group
	for rows.Next() {
		var g directory.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, fmt.Errorf("scanning user group row: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user group rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing user group rows: %w", err)
	}

	for i := range groups {
		attrs, err := s.groupAttributes(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Attributes = attrs
	}

	return groups, nil
}

// groupAttributes fetches all attributes for a group.
func (s *Store) groupAttributes(ctx context.Context, groupID int64) ([]directory.Attribute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM group_attributes WHERE group_id = ? ORDER BY name`, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying group attributes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attrs []directory.Attribute
	for rows.Next() {
		var a directory.Attribute
		if err := rows.Scan(&a.Name, &a.Value); err != nil {
			return nil, fmt.Errorf("scanning attribute row: %w", err)
		}
		attrs = append(attrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attribute rows: %w", err)
	}
	return attrs, nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
