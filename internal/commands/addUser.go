package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"touchline/internal/auth"
	"touchline/internal/config"
)

// AddUser asks the running server's admin API to create username and prints
// the token the user connects with.
func AddUser(req auth.AddUserRequest, cfg *config.Config, out io.Writer) error {
	reqBody, err := json.Marshal(req)
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
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result auth.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	_, _ = fmt.Fprintf(out, "\nUser Created Successfully!\n")
	_, _ = fmt.Fprintf(out, "User ID:      %s\n", result.User.ID)
	_, _ = fmt.Fprintf(out, "Username:     %s\n", result.User.UserName)
	_, _ = fmt.Fprintf(out, "Display name: %s\n", result.User.DisplayName)
	if result.User.Role != "" {
		_, _ = fmt.Fprintf(out, "Role:         %s\n", result.User.Role)
	}
	_, _ = fmt.Fprintf(out, "Token:        %s\n", result.Token)
	_, _ = fmt.Fprintf(out, "Expires:      %s\n\n", time.Unix(result.TokenExpiry, 0).UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "Connect with: TOUCHLINE_URL=%s TOUCHLINE_TOKEN=<token> chatctl\n", cfg.BaseURL)
	return nil
}
