package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"tagarela/internal/api"
	"tagarela/internal/config"
)

// Online prints the users active within the online window.
func Online(cfg *config.Config, out io.Writer) error {
	url := fmt.Sprintf("http://%s/admin/online", cfg.AdminAddr)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to list online users (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.OnlineResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Profiles) == 0 {
		fmt.Fprintf(out, "Nobody active since %s\n", result.Since.Local().Format(time.DateTime))
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNICKNAME\tCITY\tLAST ACTIVITY")
	for _, p := range result.Profiles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Nickname, p.City, p.LastActivity.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// ForceOffline asks the server to sign a user out of the roster and remove
// their content.
func ForceOffline(cfg *config.Config, userID string, out io.Writer) error {
	url := fmt.Sprintf("http://%s/admin/users/%s/offline", cfg.AdminAddr, userID)
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to force %s offline (Status: %d): %s", userID, resp.StatusCode, string(body))
	}
	fmt.Fprintf(out, "User %s is offline, their messages and media were removed.\n", userID)
	return nil
}
