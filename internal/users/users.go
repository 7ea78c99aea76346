// Package users keeps user profiles and serves cached lookups of them.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"estatechat/internal/content"
	"estatechat/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const profileTTL = 5 * time.Minute

var ErrUserExists = errors.New("user already exists")

type Store interface {
	UpsertUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByName(ctx context.Context, username string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

type Directory struct {
	store Store
	cache geche.Geche[string, models.User]
	// Serializes CreateUser so the username check and insert do not interleave.
	createMu sync.Mutex
	now      func() time.Time
}

func NewDirectory(ctx context.Context, store Store) *Directory {
	return &Directory{
		store: store,
		cache: geche.NewMapTTLCache[string, models.User](ctx, profileTTL, time.Minute),
		now:   time.Now,
	}
}

func (d *Directory) GetUser(ctx context.Context, id string) (models.User, error) {
	if u, err := d.cache.Get(id); err == nil {
		return u, nil
	}

	u, err := d.store.GetUser(ctx, id)
	if err != nil {
		return models.User{}, err
	}
	d.cache.Set(id, u)
	return u, nil
}

func (d *Directory) CreateUser(ctx context.Context, username, avatarURL string) (models.User, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, fmt.Errorf("%w: %w", models.ErrInvalidOperation, err)
	}

	d.createMu.Lock()
	defer d.createMu.Unlock()

	_, err := d.store.GetUserByName(ctx, username)
	switch {
	case err == nil:
		return models.User{}, fmt.Errorf("%w: %s", ErrUserExists, username)
	case !errors.Is(err, models.ErrNotFound):
		return models.User{}, fmt.Errorf("failed to check username: %w", err)
	}

	user := models.User{
		ID:        uuid.NewString(),
		UserName:  username,
		AvatarURL: avatarURL,
		CreatedAt: d.now().UnixMilli(),
	}
	if err := d.store.UpsertUser(ctx, user); err != nil {
		return models.User{}, fmt.Errorf("failed to store user: %w", err)
	}
	d.cache.Set(user.ID, user)

	slog.Info("user created", "user_id", user.ID, "username", username)
	return user, nil
}

func (d *Directory) ListUsers(ctx context.Context) ([]models.User, error) {
	users, err := d.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	if users == nil {
		users = []models.User{}
	}
	return users, nil
}
