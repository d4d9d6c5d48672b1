package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/reinholt/loom/internal/config"
	"github.com/reinholt/loom/pkg/gateway"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and live sessions",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)

	resp, err := client.Get(base + "/healthz")
	if err != nil {
		fmt.Println("Daemon: not running")
		return nil
	}
	resp.Body.Close()
	fmt.Println("Daemon: running")

	req, err := http.NewRequest(http.MethodGet, base+"/sessions", nil)
	if err != nil {
		return err
	}
	if cfg.Gateway.SharedSecret != "" {
		req.Header.Set("X-Loom-Secret", cfg.Gateway.SharedSecret)
	}
	resp, err = client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session list failed: %s", resp.Status)
	}

	var sessions []gateway.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return fmt.Errorf("failed to decode session list: %w", err)
	}

	fmt.Printf("Sessions: %d\n", len(sessions))
	for _, s := range sessions {
		fmt.Printf("  %s  state=%s  messages=%d  turns=%d  touched=%s\n",
			s.ID, s.State, s.Messages, s.Turns, s.TouchedAt)
	}
	return nil
}
