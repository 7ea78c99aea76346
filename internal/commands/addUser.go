package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"estatechat/internal/api"
	"estatechat/internal/config"
)

// AddUser creates a user through the running server's admin API and prints
// the access token issued for it.
func AddUser(out io.Writer, username, avatarURL string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username, Avatar: avatarURL})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(cfg.AdminUser, cfg.AdminPassword)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.User == nil {
		return fmt.Errorf("admin API returned no user")
	}

	_, _ = fmt.Fprintf(out, "\nUser Created Successfully!\n")
	_, _ = fmt.Fprintf(out, "Username:    %s\n", result.User.UserName)
	_, _ = fmt.Fprintf(out, "User ID:     %s\n", result.User.ID)
	_, _ = fmt.Fprintf(out, "API URL:     %s\n", result.APIURL)
	_, _ = fmt.Fprintf(out, "Expires:     %s\n", time.Unix(result.TokenExpiry, 0).UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "Token:       %s\n\n", result.Token)
	_, _ = fmt.Fprintln(out, "Pass the token to the chat client with -token or ESTATECHAT_TOKEN.")
	return nil
}
