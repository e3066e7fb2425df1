package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrProfileNotFound = errors.New("profile not found")

// Profile represents a named connection profile. Settings holds the link
// parameters as a JSON document; its shape is owned by pkg/profile.
type Profile struct {
	ID        int64
	Name      string
	Settings  json.RawMessage
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileStore provides profile CRUD operations.
type ProfileStore interface {
	Get(ctx context.Context, id int64) (*Profile, error)
	GetByName(ctx context.Context, name string) (*Profile, error)
	GetActive(ctx context.Context) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
	Create(ctx context.Context, p *Profile) error
	Update(ctx context.Context, p *Profile) error
	SetActive(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// Profiles returns a ProfileStore for this database.
func (db *DB) Profiles() ProfileStore {
	return &profileStore{db: db}
}

type profileStore struct {
	db *DB
}

const profileColumns = `id, name, settings, is_active, created_at, updated_at`

// scanProfile reads one profile row from either a Row or a Rows cursor.
func scanProfile(sc interface{ Scan(...any) error }) (*Profile, error) {
	var (
		p        Profile
		settings string
		created  string
		updated  string
	)
	if err := sc.Scan(&p.ID, &p.Name, &settings, &p.IsActive, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	p.Settings = json.RawMessage(settings)
	p.CreatedAt, _ = time.Parse(time.DateTime, created)
	p.UpdatedAt, _ = time.Parse(time.DateTime, updated)
	return &p, nil
}

// one fetches the single profile matching the WHERE clause.
func (s *profileStore) one(ctx context.Context, where string, args ...any) (*Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE ` + where
	return scanProfile(s.db.sql.QueryRowContext(ctx, query, args...))
}

func (s *profileStore) Get(ctx context.Context, id int64) (*Profile, error) {
	return s.one(ctx, `id = ?`, id)
}

func (s *profileStore) GetByName(ctx context.Context, name string) (*Profile, error) {
	return s.one(ctx, `name = ?`, name)
}

func (s *profileStore) GetActive(ctx context.Context) (*Profile, error) {
	return s.one(ctx, `is_active = 1`)
}

func (s *profileStore) List(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *profileStore) Create(ctx context.Context, p *Profile) error {
	settings := string(p.Settings)
	if settings == "" {
		settings = "{}"
	}
	result, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO profiles (name, settings, is_active) VALUES (?, ?, ?)`,
		p.Name, settings, p.IsActive)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	p.ID, err = result.LastInsertId()
	return err
}

func (s *profileStore) Update(ctx context.Context, p *Profile) error {
	result, err := s.db.sql.ExecContext(ctx,
		`UPDATE profiles SET name = ?, settings = ?, is_active = ?, updated_at = datetime('now') WHERE id = ?`,
		p.Name, string(p.Settings), p.IsActive, p.ID)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return requireRows(result)
}

// SetActive marks the given profile active and every other one inactive.
func (s *profileStore) SetActive(ctx context.Context, id int64) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrProfileNotFound
		}
		_, err := tx.ExecContext(ctx, `UPDATE profiles SET is_active = (id = ?)`, id)
		return err
	})
}

func (s *profileStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.sql.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return requireRows(result)
}

// requireRows maps a zero-row write to ErrProfileNotFound.
func requireRows(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}
