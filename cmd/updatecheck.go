package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/internal/database"
	"github.com/pressify/forge/loggers/cli"
	"github.com/pressify/forge/marketplace"
	"github.com/pressify/forge/module"
)

var updateCheckArgs struct {
	Refresh bool
}

func newUpdateCheckCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "update-check",
		Short: "Queries the marketplace for newer versions of the installed modules.",
		PreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
			log.SetHandler(cli.Default)
		},
		Run: updateCheckCmdRun,
	}

	command.Flags().BoolVar(&updateCheckArgs.Refresh, "refresh", false, "bypass the cached result and query the marketplace directly")

	return command
}

func updateCheckCmdRun(*cobra.Command, []string) {
	cfg := config.Get()
	if err := database.Initialize(cfg.System.DatabaseFile); err != nil {
		log.WithField("error", err).Fatal("failed to initialize the local database")
	}

	manager := module.NewManager(module.ManagerOpts{
		ModulesRoot:     cfg.System.ModulesDirectory,
		PublicDirectory: cfg.System.PublicDirectory,
	})
	client := marketplace.New(cfg.Marketplace.URL,
		marketplace.WithCredentials(cfg.AuthenticationTokenId, cfg.AuthenticationToken),
		marketplace.WithCustomHeaders(cfg.Marketplace.CustomHeaders),
		marketplace.WithTimeout(time.Duration(cfg.Marketplace.Timeout)*time.Second),
	)
	checker := marketplace.NewChecker(client, manager)

	result := checker.CheckForUpdates(context.Background(), updateCheckArgs.Refresh)
	if !result.Success {
		log.WithField("error", result.Error).Fatal("update check failed")
	}
	if len(result.Updates) == 0 {
		fmt.Println("All installed modules are up to date.")
		return
	}

	for _, info := range result.Updates {
		line := fmt.Sprintf("%s: %s -> %s", info.Slug, info.CurrentVersion, info.LatestVersion)
		if info.IsPaid {
			line += color.YellowString(" (paid, license required)")
		}
		fmt.Println(line)
	}
}
