package users

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"estatechat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu    sync.Mutex
	users map[string]models.User
	gets  atomic.Int32
}

func newMockStore() *mockStore {
	return &mockStore{users: map[string]models.User{}}
}

func (m *mockStore) UpsertUser(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *mockStore) GetUser(_ context.Context, id string) (models.User, error) {
	m.gets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return u, nil
}

func (m *mockStore) GetUserByName(_ context.Context, username string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.UserName == username {
			return u, nil
		}
	}
	return models.User{}, fmt.Errorf("user %s: %w", username, models.ErrNotFound)
}

func (m *mockStore) ListUsers(_ context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.User
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func newTestDirectory(t *testing.T) (*Directory, *mockStore) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := newMockStore()
	return NewDirectory(ctx, store), store
}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	dir, store := newTestDirectory(t)

	u, err := dir.CreateUser(ctx, "alice", "https://img/a.png")
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)
	require.Equal(t, "alice", u.UserName)
	require.Equal(t, "https://img/a.png", u.AvatarURL)
	require.Contains(t, store.users, u.ID)

	_, err = dir.CreateUser(ctx, "alice", "")
	require.ErrorIs(t, err, ErrUserExists)

	_, err = dir.CreateUser(ctx, "bad name!", "")
	require.ErrorIs(t, err, models.ErrInvalidOperation)
}

func TestCreateUser_ConcurrentSameName(t *testing.T) {
	ctx := context.Background()
	dir, store := newTestDirectory(t)

	var created atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			if _, err := dir.CreateUser(ctx, "bob", ""); err == nil {
				created.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrUserExists)
			}
		})
	}
	wg.Wait()

	require.Equal(t, int32(1), created.Load())
	require.Len(t, store.users, 1)
}

func TestGetUser_Cached(t *testing.T) {
	ctx := context.Background()
	dir, store := newTestDirectory(t)

	require.NoError(t, store.UpsertUser(ctx, models.User{ID: "u1", UserName: "carol"}))

	for range 3 {
		u, err := dir.GetUser(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, "carol", u.UserName)
	}
	require.Equal(t, int32(1), store.gets.Load())

	_, err := dir.GetUser(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestListUsers_Empty(t *testing.T) {
	dir, _ := newTestDirectory(t)

	users, err := dir.ListUsers(context.Background())
	require.NoError(t, err)
	require.NotNil(t, users)
	require.Empty(t, users)
}
