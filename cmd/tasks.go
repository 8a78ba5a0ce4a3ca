package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/tasks"
)

func tasksCmd() *cobra.Command {
	var (
		lane    string
		status  string
		active  bool
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks on the gateway, or from the local store when it is down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(lane, status, active, limit, jsonOut)
		},
	}
	cmd.Flags().StringVar(&lane, "lane", "", "filter by lane (main, autonomous, maintenance)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&active, "active", false, "only queued, running, or retrying tasks")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw JSON response")
	cmd.AddCommand(tasksCancelCmd())
	return cmd
}

func runTasksList(lane, status string, active bool, limit int, jsonOut bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	q := url.Values{}
	if lane != "" {
		q.Set("lane", lane)
	}
	if status != "" {
		q.Set("status", status)
	}
	if active {
		q.Set("active", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := gatewayBase(cfg) + "/v1/tasks"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if token := gatewayToken(cfg); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		// Gateway down: read the task files directly.
		fmt.Println("(gateway not reachable — reading local task store)")
		return localTasksList(cfg, lane, status, active, limit, jsonOut)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway answered %s: %s", resp.Status, string(bytes.TrimSpace(body)))
	}

	if jsonOut {
		fmt.Println(string(body))
		return nil
	}

	var payload struct {
		Tasks []*tasks.Task `json:"tasks"`
		Total int           `json:"total"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	printTaskTable(payload.Tasks, payload.Total)
	return nil
}

func localTasksList(cfg *config.Config, lane, status string, active bool, limit int, jsonOut bool) error {
	store, err := tasks.NewStore(config.ExpandHome(cfg.Tasks.Dir), 0)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	all, err := store.List()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	filtered := all[:0]
	for _, t := range all {
		if lane != "" && string(t.Lane) != lane {
			continue
		}
		if status != "" && string(t.Status) != status {
			continue
		}
		if active && !t.Status.IsActive() {
			continue
		}
		filtered = append(filtered, t)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt > filtered[j].CreatedAt })
	total := len(filtered)
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	if jsonOut {
		out, err := json.MarshalIndent(map[string]interface{}{"tasks": filtered, "total": total}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	printTaskTable(filtered, total)
	return nil
}

func printTaskTable(list []*tasks.Task, total int) {
	rows := make([][]string, 0, len(list))
	for _, t := range list {
		rows = append(rows, []string{
			shortTaskID(t.ID),
			string(t.Lane),
			string(t.Status),
			fmt.Sprintf("%d/%d", t.Retries.Attempted, t.Retries.MaxAttempts),
			fmtAge(t.CreatedAt),
			truncateCell(t.Description, 48),
		})
	}
	fmt.Print(renderTable(
		[]string{"ID", "LANE", "STATUS", "ATT", "AGE", "DESCRIPTION"},
		rows,
	))
	if total > len(list) {
		fmt.Printf("\n%d of %d tasks shown (raise --limit for more)\n", len(list), total)
	}
}

func tasksCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			payload, _ := json.Marshal(map[string]string{"reason": reason})
			endpoint := gatewayBase(cfg) + "/v1/tasks/" + url.PathEscape(args[0]) + "/cancel"
			req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if token := gatewayToken(cfg); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("gateway not reachable (cancel needs a running gateway): %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("cancel failed: %s: %s", resp.Status, string(bytes.TrimSpace(body)))
			}
			var t tasks.Task
			if err := json.Unmarshal(body, &t); err == nil && t.ID != "" {
				fmt.Printf("task %s → %s\n", shortTaskID(t.ID), t.Status)
			} else {
				fmt.Println("task cancelled")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "cancellation reason recorded on the task")
	return cmd
}

func fmtAge(unixMs int64) string {
	if unixMs == 0 {
		return "-"
	}
	d := time.Since(time.UnixMilli(unixMs))
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
