package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"estatechat/internal/api"
	"estatechat/internal/client"
	"estatechat/internal/models"

	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func waitForServer(t *testing.T, url string, attempts int) {
	t.Helper()
	for range attempts {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server at %s did not start", url)
}

func adminCall(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("admin", "1337chat")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func tokenFromOutput(t *testing.T, out string) string {
	t.Helper()
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if token, ok := strings.CutPrefix(scanner.Text(), "Token:"); ok {
			return strings.TrimSpace(token)
		}
	}
	t.Fatalf("no token in output: %s", out)
	return ""
}

func TestIntegration(t *testing.T) {
	adminAddr := freeAddr(t)
	apiAddr := freeAddr(t)
	baseURL := "http://" + apiAddr

	t.Setenv("DB_FILE", filepath.Join(t.TempDir(), "integration.db"))
	t.Setenv("STORE_DRIVER", "bbolt")
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BASE_URL", baseURL)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")
	t.Setenv("ADMIN_USER", "admin")
	t.Setenv("ADMIN_PASSWORD", "1337chat")
	t.Setenv("LOG_LEVEL", "warn")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, nil, io.Discard)
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/presence", adminAddr), 50)

	// Step 1: create alice with the CLI command
	var cliOut bytes.Buffer
	require.NoError(t, run(ctx, []string{"-add-user", "alice"}, &cliOut))
	aliceToken := tokenFromOutput(t, cliOut.String())

	// Step 2: create bob through the admin API directly
	var bobResp api.TokenResponse
	status := adminCall(t, http.MethodPost, fmt.Sprintf("http://%s/admin/users", adminAddr), api.AddUserRequest{Username: "bob"}, &bobResp)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, baseURL, bobResp.APIURL)

	status = adminCall(t, http.MethodPost, fmt.Sprintf("http://%s/admin/users", adminAddr), api.AddUserRequest{Username: "bob"}, nil)
	require.Equal(t, http.StatusConflict, status)

	// Step 3: both connect and announce
	alice, err := client.Connect(ctx, baseURL, aliceToken)
	require.NoError(t, err)
	defer func() { _ = alice.Close() }()
	bob, err := client.Connect(ctx, baseURL, bobResp.Token)
	require.NoError(t, err)
	defer func() { _ = bob.Close() }()

	require.Eventually(t, func() bool {
		var presence api.PresenceResponse
		adminCall(t, http.MethodGet, fmt.Sprintf("http://%s/admin/presence", adminAddr), nil, &presence)
		return len(presence.Online) == 2
	}, 3*time.Second, 50*time.Millisecond)

	bobEvents := make(chan models.ServerMessage, 8)
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go func() { _ = bob.Run(runCtx, func(m models.ServerMessage) { bobEvents <- m }) }()
	go func() { _ = alice.Run(runCtx, nil) }()

	// Step 4: alice opens a conversation and writes
	conv, err := alice.Start(ctx, bob.Self().ID)
	require.NoError(t, err)
	require.Equal(t, []string{alice.Self().ID}, conv.SeenBy)

	unread, err := bob.API().UnreadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, unread)

	_, err = alice.Send(ctx, "Is the flat still available?")
	require.NoError(t, err)

	select {
	case event := <-bobEvents:
		require.Equal(t, models.ServerMessageTypeMessage, event.Type)
		require.False(t, event.Message.FromSelf)
		require.Equal(t, alice.Self().ID, event.Message.SenderID)
	case <-time.After(3 * time.Second):
		t.Fatal("bob received no push")
	}

	// Step 5: bob reads it
	view, err := bob.Open(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, view.Messages, 1)
	require.ElementsMatch(t, []string{alice.Self().ID, bob.Self().ID}, view.SeenBy)

	unread, err = bob.API().UnreadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, unread)

	// Step 6: logoff revokes the token
	require.NoError(t, bob.API().Logoff(ctx))
	_, err = bob.API().Me(ctx)
	require.ErrorIs(t, err, models.ErrUnauthenticated)

	stopRun()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRun_RequiresSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("ADMIN_PASSWORD", "x")

	err := run(context.Background(), nil, io.Discard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "AUTH_SECRET")
}

// A listener that cannot start stops the whole server, not just its own half.
func TestRun_ListenerFailureStopsServer(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = busy.Close() }()

	t.Setenv("DB_FILE", filepath.Join(t.TempDir(), "busy.db"))
	t.Setenv("STORE_DRIVER", "bbolt")
	t.Setenv("ADMIN_ADDR", freeAddr(t))
	t.Setenv("API_ADDR", busy.Addr().String())
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")
	t.Setenv("ADMIN_USER", "admin")
	t.Setenv("ADMIN_PASSWORD", "1337chat")
	t.Setenv("LOG_LEVEL", "warn")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, nil, io.Discard) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server kept running after its API listener failed")
	}
}
