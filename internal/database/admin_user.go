package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// adminUserRepo implements AdminUserRepository.
type adminUserRepo struct {
	db *DB
}

// NewAdminUserRepository creates a new AdminUserRepository.
func NewAdminUserRepository(db *DB) AdminUserRepository {
	return &adminUserRepo{db: db}
}

// Create inserts a new admin user.
func (r *adminUserRepo) Create(ctx context.Context, user *models.AdminUser) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO admin_users (username, password_hash, created_at, updated_at)
		 VALUES (?, ?, datetime('now'), datetime('now'))`,
		user.Username, user.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting admin user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	user.ID = id
	return nil
}

// GetByUsername returns an admin user by username, or (nil, nil).
func (r *adminUserRepo) GetByUsername(ctx context.Context, username string) (*models.AdminUser, error) {
	var u models.AdminUser
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, updated_at
		 FROM admin_users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin user by username: %w", err)
	}
	return &u, nil
}

// Count returns the number of admin users.
func (r *adminUserRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting admin users: %w", err)
	}
	return count, nil
}
