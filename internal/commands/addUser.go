package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chatsync/internal/api"
	"chatsync/internal/config"
)

// AddUser creates a user through the admin API of a running server.
func AddUser(username, password, displayName string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{
		Username:    username,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.User == nil {
		return fmt.Errorf("admin API returned no user")
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:          %s\n", result.User.UserName)
	fmt.Printf("Display name:      %s\n", result.User.DisplayName)
	fmt.Printf("User ID:           %s\n", result.User.ID)
	fmt.Printf("Server:            %s\n\n", strings.TrimSuffix(cfg.BaseURL, "/"))
	return nil
}
