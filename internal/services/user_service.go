package services

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/ppp-one/stellarhub/internal/config"
	"github.com/ppp-one/stellarhub/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// The username becomes part of the container name and of the workspace
// path on the host, so it is restricted to a safe character set.
var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// UserServiceProvider defines the interface for user services.
type UserServiceProvider interface {
	GetUserByID(id string) (models.User, error)
	GetUserByUsername(username string) (models.User, error)
	GetAllUsers() ([]models.User, error)
	CreateUser(username, password string) (models.User, error)
	ApproveUser(username string) (models.User, error)
	UpdatePassword(id, currentPassword, newPassword string) error
	DeleteUser(username string) error
	AuthenticateUser(username, password string) (models.User, error)
}

// UserService provides business logic for user account management. It
// implements the native signup flow: accounts are created on demand,
// auto-approved when open signup is enabled and otherwise held pending
// until an admin approves them.
type UserService struct {
	db  *sql.DB
	cfg *config.Config
}

// NewUserService creates a new UserService.
func NewUserService(db *sql.DB, cfg *config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// GetUserByID retrieves a single user by their ID.
func (s *UserService) GetUserByID(id string) (models.User, error) {
	var user models.User
	row := s.db.QueryRow("SELECT id, username, is_admin, status, created_at FROM users WHERE id = ?", id)
	err := row.Scan(&user.ID, &user.Username, &user.IsAdmin, &user.Status, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.User{}, fmt.Errorf("user with ID %s not found", id)
		}
		return models.User{}, err
	}
	return user, nil
}

// GetUserByUsername retrieves a single user by name, including the password hash.
func (s *UserService) GetUserByUsername(username string) (models.User, error) {
	var user models.User
	row := s.db.QueryRow("SELECT id, username, password_hash, is_admin, status, created_at FROM users WHERE username = ?", username)
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.Status, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.User{}, fmt.Errorf("user %s not found", username)
		}
		return models.User{}, err
	}
	return user, nil
}

// GetAllUsers retrieves every user account.
func (s *UserService) GetAllUsers() ([]models.User, error) {
	rows, err := s.db.Query("SELECT id, username, is_admin, status, created_at FROM users ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.IsAdmin, &user.Status, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

// CreateUser creates a new user account, enforcing the signup and
// password policy.
func (s *UserService) CreateUser(username, password string) (models.User, error) {
	if !s.cfg.EnableSignup {
		return models.User{}, fmt.Errorf("signup is disabled")
	}

	username = strings.TrimSpace(strings.ToLower(username))
	if !usernamePattern.MatchString(username) {
		return models.User{}, fmt.Errorf("username must start with a letter or digit and may only contain lowercase letters, digits, '.', '_' and '-'")
	}
	if err := s.checkPassword(password); err != nil {
		return models.User{}, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hashedPassword),
		IsAdmin:      s.isConfiguredAdmin(username),
		Status:       models.UserStatusPending,
	}
	if s.cfg.OpenSignup || user.IsAdmin {
		user.Status = models.UserStatusApproved
	}

	stmt, err := s.db.Prepare("INSERT INTO users(id, username, password_hash, is_admin, status) VALUES(?, ?, ?, ?, ?)")
	if err != nil {
		return models.User{}, err
	}
	defer stmt.Close()

	_, err = stmt.Exec(user.ID, user.Username, user.PasswordHash, user.IsAdmin, user.Status)
	if err != nil {
		return models.User{}, fmt.Errorf("could not create user %s: %w", username, err)
	}

	// Return user without password hash
	user.PasswordHash = ""
	return user, nil
}

// ApproveUser moves a pending account to approved.
func (s *UserService) ApproveUser(username string) (models.User, error) {
	res, err := s.db.Exec("UPDATE users SET status = ? WHERE username = ?", models.UserStatusApproved, username)
	if err != nil {
		return models.User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.User{}, fmt.Errorf("user %s not found", username)
	}

	user, err := s.GetUserByUsername(username)
	if err != nil {
		return models.User{}, err
	}
	user.PasswordHash = ""
	return user, nil
}

// UpdatePassword verifies the current password, then hashes and sets a new password for a user.
func (s *UserService) UpdatePassword(id, currentPassword, newPassword string) error {
	var hash string
	row := s.db.QueryRow("SELECT password_hash FROM users WHERE id = ?", id)
	if err := row.Scan(&hash); err != nil {
		return fmt.Errorf("could not find user to update password")
	}

	// Check if the current password is correct
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(currentPassword)); err != nil {
		return fmt.Errorf("current password is incorrect")
	}

	if err := s.checkPassword(newPassword); err != nil {
		return err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash new password: %w", err)
	}

	_, err = s.db.Exec("UPDATE users SET password_hash = ? WHERE id = ?", string(hashedPassword), id)
	return err
}

// DeleteUser removes a user account from the database.
func (s *UserService) DeleteUser(username string) error {
	_, err := s.db.Exec("DELETE FROM users WHERE username = ?", username)
	return err
}

// AuthenticateUser verifies a user's credentials. Pending accounts are
// rejected even with a correct password.
func (s *UserService) AuthenticateUser(username, password string) (models.User, error) {
	user, err := s.GetUserByUsername(strings.TrimSpace(strings.ToLower(username)))
	if err != nil {
		return models.User{}, fmt.Errorf("authentication failed: user not found")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, fmt.Errorf("authentication failed: invalid password")
	}

	if user.Status != models.UserStatusApproved {
		return models.User{}, fmt.Errorf("authentication failed: account is awaiting approval")
	}

	// Don't send the password hash to the client
	user.PasswordHash = ""
	return user, nil
}

// checkPassword applies the configured password policy.
func (s *UserService) checkPassword(password string) error {
	if len(password) < s.cfg.MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", s.cfg.MinPasswordLength)
	}
	if isCommonPassword(password) {
		return fmt.Errorf("password is too common")
	}
	return nil
}

func (s *UserService) isConfiguredAdmin(username string) bool {
	for _, admin := range s.cfg.AdminUsers {
		if strings.EqualFold(admin, username) {
			return true
		}
	}
	return false
}
