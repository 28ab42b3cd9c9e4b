package main

import (
	"errors"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkd/internal/config"
	"github.com/mattjoyce/forkd/internal/tui"
)

func newWatchCmd(configPath *string) *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show live groups, children and events of a running forkd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := watchURL(*configPath, apiURL)
			if err != nil {
				return err
			}
			p := tea.NewProgram(tui.NewMonitor(url), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "", "Base URL of the status API (default: http:// + api.listen from config)")
	return cmd
}

// watchURL resolves the status API base URL, preferring an explicit flag.
func watchURL(configPath, flag string) (string, error) {
	if flag != "" {
		return strings.TrimRight(flag, "/"), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if !cfg.API.Enabled {
		return "", errors.New("api.enabled is false; pass --api to watch a remote instance")
	}
	listen := cfg.API.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	return "http://" + listen, nil
}
