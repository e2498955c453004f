package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Profiles a local user can have.
const (
	ProfileOperator   = "operator"
	ProfileSupervisor = "supervisor"
)

var (
	ErrUserExists     = errors.New("storage: user already exists")
	ErrUserNotFound   = errors.New("storage: user not found")
	ErrBadCredentials = errors.New("storage: invalid username or password")
	ErrInvalidProfile = errors.New("storage: invalid profile")
	ErrEmptyPassword  = errors.New("storage: empty password")
	ErrWrongProfile   = errors.New("storage: user does not have that profile")
	ErrLastSupervisor = errors.New("storage: cannot remove the last supervisor")
)

// User is a local account allowed to run the sender.
type User struct {
	Username  string
	Profile   string
	CreatedAt time.Time
}

func validProfile(p string) bool {
	return p == ProfileOperator || p == ProfileSupervisor
}

// CreateUser adds a user with a bcrypt-hashed password.
func (d *DB) CreateUser(username, password, profile string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if profile == "" {
		profile = ProfileOperator
	}
	if !validProfile(profile) {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`INSERT INTO users (username, password, profile) VALUES (?, ?, ?)`,
		username, string(hash), profile)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrUserExists
		}
		return err
	}
	log.Infow("user created", "username", username, "profile", profile)
	return nil
}

// Authenticate checks a username and password and returns the user.
func (d *DB) Authenticate(username, password string) (User, error) {
	d.mu.RLock()
	var hash string
	var u User
	var created string
	err := d.db.QueryRow(`SELECT username, password, profile, created_at FROM users WHERE username = ?`, username).
		Scan(&u.Username, &hash, &u.Profile, &created)
	d.mu.RUnlock()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrBadCredentials
		}
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrBadCredentials
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

// Login authenticates like Authenticate and also requires the user to hold
// profile.
func (d *DB) Login(username, password, profile string) (User, error) {
	u, err := d.Authenticate(username, password)
	if err != nil {
		return User{}, err
	}
	if u.Profile != profile {
		return User{}, fmt.Errorf("%w: %s is %s", ErrWrongProfile, username, u.Profile)
	}
	return u, nil
}

// UpdateUser sets a new password for username and, unless profile is empty,
// a new profile. The last supervisor cannot be demoted.
func (d *DB) UpdateUser(username, password, profile string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if profile != "" && !validProfile(profile) {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	current, err := d.profileOf(username)
	if err != nil {
		return err
	}
	if profile == "" {
		profile = current
	}
	if current == ProfileSupervisor && profile != ProfileSupervisor {
		if err := d.keepSupervisor(); err != nil {
			return err
		}
	}
	if _, err := d.db.Exec(`UPDATE users SET password = ?, profile = ? WHERE username = ?`,
		string(hash), profile, username); err != nil {
		return err
	}
	log.Infow("user updated", "username", username, "profile", profile)
	return nil
}

// CountUsers returns how many users exist.
func (d *DB) CountUsers() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// profileOf returns the profile of username. Callers hold d.mu.
func (d *DB) profileOf(username string) (string, error) {
	var profile string
	err := d.db.QueryRow(`SELECT profile FROM users WHERE username = ?`, username).Scan(&profile)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return profile, err
}

// keepSupervisor fails when only one supervisor is left. Callers hold d.mu.
func (d *DB) keepSupervisor() error {
	var n int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM users WHERE profile = ?`, ProfileSupervisor).Scan(&n); err != nil {
		return err
	}
	if n <= 1 {
		return ErrLastSupervisor
	}
	return nil
}

// ListUsers returns every user ordered by name.
func (d *DB) ListUsers() ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT username, profile, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var created string
		if err := rows.Scan(&u.Username, &u.Profile, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(created)
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user. The last supervisor cannot be removed.
func (d *DB) DeleteUser(username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	profile, err := d.profileOf(username)
	if err != nil {
		return err
	}
	if profile == ProfileSupervisor {
		if err := d.keepSupervisor(); err != nil {
			return err
		}
	}
	if _, err := d.db.Exec(`DELETE FROM users WHERE username = ?`, username); err != nil {
		return err
	}
	log.Infow("user deleted", "username", username)
	return nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
