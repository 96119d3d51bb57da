package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/coordinator"
	"github.com/nextlevelbuilder/agentgate/internal/daemon"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions on the running daemon",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsCreateCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

// controlClient talks to the loopback control API using daemon.json.
type controlClient struct {
	base  string
	token string
	httpc *http.Client
}

func newControlClient() (*controlClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	info, err := daemon.ReadInfo(cfg.DataDir())
	if err != nil {
		return nil, fmt.Errorf("daemon not running? %w", err)
	}
	return &controlClient{
		base:  fmt.Sprintf("http://127.0.0.1:%d", info.Port),
		token: info.Token,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *controlClient) do(method, path string, body any, out any) error {
	var payload *bytes.Reader = bytes.NewReader(nil)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("control api: status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			var result struct {
				Sessions []coordinator.SessionSummary `json:"sessions"`
			}
			if err := client.do(http.MethodGet, "/sessions", nil, &result); err != nil {
				return err
			}
			printSessionTable(result.Sessions)
			return nil
		},
	}
}

func sessionsCreateCmd() *cobra.Command {
	var cwd, model, adapterName string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			var result struct {
				SessionID string `json:"sessionId"`
			}
			req := coordinator.CreateSessionRequest{Cwd: cwd, Model: model, AdapterName: adapterName}
			if err := client.do(http.MethodPost, "/sessions", req, &result); err != nil {
				return err
			}
			fmt.Println(result.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the session")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().StringVar(&adapterName, "adapter", "", "adapter family (default from config)")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newControlClient()
			if err != nil {
				return err
			}
			return client.do(http.MethodDelete, "/sessions/"+args[0], nil, nil)
		},
	}
}

// printSessionTable renders a fixed-width table; runewidth keeps columns
// aligned for non-ASCII session names.
func printSessionTable(sessions []coordinator.SessionSummary) {
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	headers := []string{"SESSION", "ADAPTER", "LIFECYCLE", "STATUS", "CONSUMERS", "NAME"}
	widths := []int{36, 10, 10, 10, 9, 40}

	var sb strings.Builder
	for i, h := range headers {
		sb.WriteString(pad(h, widths[i]))
		sb.WriteString("  ")
	}
	fmt.Fprintln(os.Stdout, sb.String())

	for _, s := range sessions {
		row := []string{
			s.SessionID,
			s.AdapterName,
			s.Lifecycle,
			s.Status,
			fmt.Sprintf("%d", s.ConsumerCount),
			truncate(s.Name, 40),
		}
		sb.Reset()
		for i, cell := range row {
			sb.WriteString(pad(cell, widths[i]))
			sb.WriteString("  ")
		}
		fmt.Fprintln(os.Stdout, sb.String())
	}
}

func pad(s string, width int) string {
	return s + strings.Repeat(" ", max(0, width-runewidth.StringWidth(s)))
}

func truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "…")
}
