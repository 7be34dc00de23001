package state

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// User roles and types.
const (
	RolePending = "pending"
	RoleAdmin   = "admin"
	RoleUser    = "user"

	UserTypeBrain = "brain" // human
	UserTypeMind  = "mind"  // agent
)

var (
	ErrUserExists   = errors.New("username already taken")
	ErrUserNotFound = errors.New("user not found")
	ErrBadPassword  = errors.New("invalid credentials")
)

// User is an account row. The daemon bearer-token identity uses ID 0 and is
// never stored.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	UserType     string `json:"user_type"`
	CreatedAt    string `json:"created_at"`
}

// RegisterUser creates a human account. The first registered user becomes
// admin; later registrations start as pending until promoted.
func (s *Store) RegisterUser(username, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM users WHERE user_type = 'brain'`).Scan(&count); err != nil {
		return nil, err
	}
	role := RolePending
	if count == 0 {
		role = RoleAdmin
	}

	res, err := tx.Exec(
		`INSERT INTO users (username, password_hash, role, user_type) VALUES (?, ?, ?, 'brain')`,
		username, string(hash), role,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	id, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetUserByID(id)
}

// Authenticate checks username/password and returns the user.
func (s *Store) Authenticate(username, password string) (*User, error) {
	u, err := s.GetUserByUsername(username)
	if err != nil {
		return nil, ErrBadPassword
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadPassword
	}
	return u, nil
}

// GetUserByID fetches a user row.
func (s *Store) GetUserByID(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, username, password_hash, role, user_type, created_at FROM users WHERE id = ?`, id))
}

// GetUserByUsername fetches a user row by name.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, username, password_hash, role, user_type, created_at FROM users WHERE username = ?`, username))
}

// SetUserRole promotes or demotes an account.
func (s *Store) SetUserRole(id int64, role string) error {
	res, err := s.db.Exec(`UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// EnsureMindUser returns the mind's agent account, creating it on first use.
func (s *Store) EnsureMindUser(mind string) (*User, error) {
	u, err := s.GetUserByUsername(mind)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	res, err := s.db.Exec(
		`INSERT INTO users (username, role, user_type) VALUES (?, 'user', 'mind')`, mind)
	if err != nil {
		if isUniqueViolation(err) {
			return s.GetUserByUsername(mind)
		}
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.GetUserByID(id)
}

// CreateSession issues a new opaque session ID for a user.
func (s *Store) CreateSession(userID int64, createdAtMillis int64) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := hex.EncodeToString(buf)
	_, err := s.db.Exec(
		`INSERT INTO auth_sessions (id, user_id, created_at) VALUES (?, ?, ?)`,
		id, userID, createdAtMillis)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetSessionUser resolves a session cookie to its user, or ErrUserNotFound.
func (s *Store) GetSessionUser(sessionID string) (*User, error) {
	var userID int64
	err := s.db.QueryRow(`SELECT user_id FROM auth_sessions WHERE id = ?`, sessionID).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return s.GetUserByID(userID)
}

// DeleteSession revokes a session cookie.
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM auth_sessions WHERE id = ?`, sessionID)
	return err
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.UserType, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	// modernc/sqlite reports constraint failures in the error text; there is
	// no typed error to unwrap.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
