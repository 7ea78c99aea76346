package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, perMinute, burst int) (*LimiterStore, *time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewLimiterStore(ctx, perMinute, burst, 0)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestAllow_BurstThenRefill(t *testing.T) {
	s, now := newTestStore(t, 60, 3)

	for range 3 {
		require.True(t, s.Allow("alice"))
	}
	require.False(t, s.Allow("alice"))

	// Other keys have their own bucket.
	require.True(t, s.Allow("bob"))

	*now = now.Add(time.Second)
	require.True(t, s.Allow("alice"))
	require.False(t, s.Allow("alice"))
}

func TestCleanup_DropsIdle(t *testing.T) {
	s, now := newTestStore(t, 60, 1)

	s.Allow("alice")
	*now = now.Add(5 * time.Minute)
	s.Allow("bob")
	*now = now.Add(6 * time.Minute)

	s.cleanup()
	require.Equal(t, 1, s.Len())
}

func TestMiddleware(t *testing.T) {
	s, _ := newTestStore(t, 60, 1)

	handler := Middleware(s, func(r *http.Request) string {
		return r.Header.Get("X-User")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/messages", nil)
		if user != "" {
			req.Header.Set("X-User", user)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusCreated, do("alice").Code)

	rr := do("alice")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Contains(t, rr.Body.String(), `"success":false`)

	require.Equal(t, http.StatusCreated, do("bob").Code)

	// Unkeyed requests are not limited.
	require.Equal(t, http.StatusCreated, do("").Code)
	require.Equal(t, http.StatusCreated, do("").Code)
}
