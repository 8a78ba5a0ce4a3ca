package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/router"
)

func providersCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List providers on a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersList(jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw JSON response")
	return cmd
}

// gatewayBase returns the HTTP origin of the local gateway. A wildcard bind
// address is dialed via loopback.
func gatewayBase(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
}

func gatewayToken(cfg *config.Config) string {
	if v := os.Getenv("ANT_GATEWAY_TOKEN"); v != "" {
		return v
	}
	return cfg.Gateway.Token
}

func runProvidersList(jsonOut bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	url := gatewayBase(cfg) + "/v1/providers"
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token := gatewayToken(cfg); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s (is it running?): %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway answered %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if jsonOut {
		fmt.Println(string(body))
		return nil
	}

	var payload struct {
		Providers     []router.ProviderStatus `json:"providers"`
		FallbackChain []string                `json:"fallbackChain"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	rows := make([][]string, 0, len(payload.Providers))
	for _, p := range payload.Providers {
		state := "ok"
		if p.CoolingDown {
			state = "cooling down"
		}
		origin := "config"
		if p.Discovered {
			origin = "discovered"
		}
		inChain := ""
		if p.InChain {
			inChain = "yes"
		}
		rows = append(rows, []string{
			p.ID,
			p.Kind,
			truncateCell(p.Model, 32),
			p.Group,
			origin,
			state,
			strconv.Itoa(p.Failures),
			inChain,
		})
	}
	fmt.Print(renderTable(
		[]string{"ID", "KIND", "MODEL", "GROUP", "ORIGIN", "STATE", "FAILS", "CHAIN"},
		rows,
	))
	if len(payload.FallbackChain) > 0 {
		fmt.Printf("\nfallback chain: %s\n", strings.Join(payload.FallbackChain, " → "))
	}
	return nil
}
