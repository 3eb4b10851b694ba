package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreylabs/drey/internal/printer"
)

var (
	sessionsServerURL string
	sessionsStatus    string
	sessionsUser      string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions ANALYSIS_ID",
	Short: "List live collaboration sessions for an analysis",
	Long: `List the collaboration sessions of an analysis via a running dreyd.

Sessions live only in daemon memory, so this command queries the daemon's
HTTP API rather than Redis.

Examples:
  # List all sessions
  drey sessions hazop-2026-03

  # Only currently active rooms
  drey sessions hazop-2026-03 --status=active

  # Against a remote daemon
  drey sessions hazop-2026-03 --server=http://drey.internal:8585`,
	Args: cobra.ExactArgs(1),
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsServerURL, "server", "", "dreyd base URL (default: DREY_SERVER or http://localhost:8585)")
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status: active, paused or ended")
	sessionsCmd.Flags().StringVar(&sessionsUser, "user", "", "Caller identity (default: USER environment variable)")
	rootCmd.AddCommand(sessionsCmd)
}

func resolveServerURL() string {
	if sessionsServerURL != "" {
		return sessionsServerURL
	}
	if v := os.Getenv("DREY_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8585"
}

func runSessions(cmd *cobra.Command, args []string) error {
	user := sessionsUser
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return printer.Error(
			"caller identity required",
			"The daemon rejects requests without an identity.",
			[]string{"Pass one explicitly:\n  drey sessions <analysis-id> --user <name>"},
		)
	}

	url := fmt.Sprintf("%s/analyses/%s/collaborate", resolveServerURL(), args[0])
	if sessionsStatus != "" {
		url += "?status=" + sessionsStatus
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Drey-User", user)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return printer.Error(
			"could not reach dreyd",
			fmt.Sprintf("Request to %s failed: %v", resolveServerURL(), err),
			[]string{
				"Check that dreyd is running",
				"Point at the right daemon:\n  drey sessions <analysis-id> --server <url>",
			},
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return printer.Error(
			fmt.Sprintf("dreyd returned %d", resp.StatusCode),
			"The session listing request was rejected.",
			[]string{"Valid status filters: active, paused, ended"},
		)
	}

	var body struct {
		Sessions []struct {
			RoomID           string `json:"roomId"`
			Status           string `json:"status"`
			Name             string `json:"name"`
			CreatedBy        string `json:"createdBy"`
			CreatedAt        int64  `json:"createdAt"`
			EndedAt          int64  `json:"endedAt"`
			ParticipantCount int    `json:"participantCount"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(body.Sessions) == 0 {
		printer.Info("No sessions found for analysis '%s'\n", args[0])
		return nil
	}

	printer.Printf("%-36s  %-8s  %-12s  %-16s  %s\n", "ROOM", "STATUS", "PARTICIPANTS", "CREATED BY", "CREATED AT")
	for _, s := range body.Sessions {
		printer.Printf("%-36s  %-8s  %-12d  %-16s  %s\n",
			s.RoomID, s.Status, s.ParticipantCount, s.CreatedBy,
			time.UnixMilli(s.CreatedAt).UTC().Format(time.RFC3339))
	}

	return nil
}
