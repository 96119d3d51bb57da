package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively write a starter config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	cfg := config.Default()

	host := cfg.Gateway.Host
	port := strconv.Itoa(cfg.Gateway.Port)
	dataDir := cfg.Storage.DataDir
	adapterName := cfg.Adapters.Default
	driver := cfg.Storage.Driver
	acpCommand := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway host").
				Description("Interface the WebSocket server binds to").
				Value(&host),
			huh.NewInput().
				Title("Gateway port").
				Value(&port).
				Validate(func(s string) error {
					p, err := strconv.Atoi(s)
					if err != nil || p <= 0 || p > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}),
			huh.NewInput().
				Title("Data directory").
				Value(&dataDir),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Default adapter").
				Options(
					huh.NewOption("ACP (stdio agent)", "acp"),
					huh.NewOption("Codex (WebSocket app-server)", "codex"),
					huh.NewOption("Opencode (HTTP+SSE server)", "opencode"),
				).
				Value(&adapterName),
			huh.NewInput().
				Title("ACP agent command").
				Description("Binary launched for acp sessions (blank to configure later)").
				Value(&acpCommand),
			huh.NewSelect[string]().
				Title("Session store").
				Options(
					huh.NewOption("JSON files", "file"),
					huh.NewOption("sqlite", "sqlite"),
				).
				Value(&driver),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Gateway.Host = host
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Storage.DataDir = dataDir
	cfg.Storage.Driver = driver
	cfg.Adapters.Default = adapterName
	if acpCommand != "" {
		cfg.Adapters.List["acp"] = config.AdapterOptions{Command: acpCommand}
	}

	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
