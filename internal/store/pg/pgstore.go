// Package pg is the PostgreSQL implementation of the directory store, the
// action record store and the audit ledger.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"modguard.org/internal/directory"
	"modguard.org/internal/roles"
)

type Store struct {
	db *sql.DB
}

var _ directory.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests, shared pools).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- directory.Store ---

func (s *Store) EnsureUser(ctx context.Context, id string) (directory.User, error) {
	if id == "" {
		return directory.User{}, directory.ErrInvalidInput
	}
	var u directory.User
	err := s.db.QueryRowContext(ctx, `
		insert into users(id, role, active)
		values ($1, 'member', true)
		on conflict (id) do update set id = excluded.id
		returning id, role, active, created_at, updated_at
	`, id).Scan(&u.ID, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return directory.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (directory.User, error) {
	var u directory.User
	err := s.db.QueryRowContext(ctx, `
		select id, role, active, created_at, updated_at from users where id=$1
	`, id).Scan(&u.ID, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.User{}, err
	}
	return u, nil
}

func (s *Store) SetUserRole(ctx context.Context, id string, role roles.Role) (directory.User, error) {
	if _, err := roles.ParseRole(string(role)); err != nil {
		return directory.User{}, directory.ErrInvalidInput
	}
	var u directory.User
	err := s.db.QueryRowContext(ctx, `
		update users set role=$2, updated_at=now() where id=$1
		returning id, role, active, created_at, updated_at
	`, id, string(role)).Scan(&u.ID, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.User{}, err
	}
	return u, nil
}

func (s *Store) DeactivateUser(ctx context.Context, id string) (directory.User, error) {
	var u directory.User
	err := s.db.QueryRowContext(ctx, `
		update users set active=false, updated_at=now() where id=$1
		returning id, role, active, created_at, updated_at
	`, id).Scan(&u.ID, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.User{}, err
	}
	return u, nil
}

func (s *Store) CreateGroup(ctx context.Context, id, ownerID string) (directory.Group, error) {
	if id == "" || ownerID == "" {
		return directory.Group{}, directory.ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return directory.Group{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var created, updated time.Time
	err = tx.QueryRowContext(ctx, `
		insert into groups(id, owner_id) values ($1,$2)
		on conflict (id) do nothing
		returning created_at, updated_at
	`, id, ownerID).Scan(&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Group{}, directory.ErrAlreadyExists
	}
	if err != nil {
		return directory.Group{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into group_members(group_id, user_id) values ($1,$2)
		on conflict do nothing
	`, id, ownerID); err != nil {
		return directory.Group{}, err
	}
	if err := tx.Commit(); err != nil {
		return directory.Group{}, err
	}
	return directory.Group{
		ID:        id,
		OwnerID:   ownerID,
		Members:   map[string]struct{}{ownerID: {}},
		Admins:    map[string]struct{}{},
		Settings:  map[string]string{},
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (directory.Group, error) {
	g := directory.Group{
		Members:  map[string]struct{}{},
		Admins:   map[string]struct{}{},
		Settings: map[string]string{},
	}
	err := s.db.QueryRowContext(ctx, `
		select id, owner_id, created_at, updated_at from groups where id=$1
	`, id).Scan(&g.ID, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Group{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Group{}, err
	}

	rows, err := s.db.QueryContext(ctx, `select user_id from group_members where group_id=$1`, id)
	if err != nil {
		return directory.Group{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return directory.Group{}, err
		}
		g.Members[uid] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return directory.Group{}, err
	}

	arows, err := s.db.QueryContext(ctx, `select user_id from group_admins where group_id=$1`, id)
	if err != nil {
		return directory.Group{}, err
	}
	defer arows.Close()
	for arows.Next() {
		var uid string
		if err := arows.Scan(&uid); err != nil {
			return directory.Group{}, err
		}
		g.Admins[uid] = struct{}{}
	}
	if err := arows.Err(); err != nil {
		return directory.Group{}, err
	}

	srows, err := s.db.QueryContext(ctx, `select key, value from group_settings where group_id=$1`, id)
	if err != nil {
		return directory.Group{}, err
	}
	defer srows.Close()
	for srows.Next() {
		var k, v string
		if err := srows.Scan(&k, &v); err != nil {
			return directory.Group{}, err
		}
		g.Settings[k] = v
	}
	if err := srows.Err(); err != nil {
		return directory.Group{}, err
	}
	return g, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	return s.mutateGroup(ctx, groupID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into group_members(group_id, user_id) values ($1,$2)
			on conflict do nothing
		`, groupID, userID)
		return err
	})
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	return s.mutateGroup(ctx, groupID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from group_members where group_id=$1 and user_id=$2`, groupID, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `delete from group_admins where group_id=$1 and user_id=$2`, groupID, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `delete from group_settings where group_id=$1 and key=$2`,
			groupID, directory.ModeratorKey(userID))
		return err
	})
}

func (s *Store) PromoteAdmin(ctx context.Context, groupID, userID string) error {
	return s.mutateGroup(ctx, groupID, func(tx *sql.Tx) error {
		var dummy int
		err := tx.QueryRowContext(ctx, `
			select 1 from group_members where group_id=$1 and user_id=$2
		`, groupID, userID).Scan(&dummy)
		if errors.Is(err, sql.ErrNoRows) {
			return directory.ErrInvalidInput
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			insert into group_admins(group_id, user_id) values ($1,$2)
			on conflict do nothing
		`, groupID, userID)
		return err
	})
}

func (s *Store) DemoteAdmin(ctx context.Context, groupID, userID string) error {
	return s.mutateGroup(ctx, groupID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `delete from group_admins where group_id=$1 and user_id=$2`, groupID, userID)
		return err
	})
}

func (s *Store) SetGroupSetting(ctx context.Context, groupID, key, value string) error {
	if key == "" {
		return directory.ErrInvalidInput
	}
	return s.mutateGroup(ctx, groupID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into group_settings(group_id, key, value) values ($1,$2,$3)
			on conflict (group_id, key) do update set value = excluded.value
		`, groupID, key, value)
		return err
	})
}

func (s *Store) UnsetGroupSetting(ctx context.Context, groupID, key string) error {
	return s.mutateGroup(ctx, groupID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `delete from group_settings where group_id=$1 and key=$2`, groupID, key)
		return err
	})
}

// mutateGroup runs fn in a transaction after verifying the group exists and
// bumping its updated_at.
func (s *Store) mutateGroup(ctx context.Context, groupID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `update groups set updated_at=now() where id=$1`, groupID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return directory.ErrNotFound
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
