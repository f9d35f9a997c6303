package cmd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/multi"
	"github.com/apex/log/handlers/text"
	"github.com/spf13/cobra"

	"github.com/pressify/forge/config"
	"github.com/pressify/forge/internal/cron"
	"github.com/pressify/forge/internal/database"
	"github.com/pressify/forge/loggers/cli"
	"github.com/pressify/forge/marketplace"
	"github.com/pressify/forge/module"
	"github.com/pressify/forge/router"
	"github.com/pressify/forge/system"
)

var (
	configPath = config.DefaultLocation
	debug      = false
)

var rootCommand = &cobra.Command{
	Use:   "forge",
	Short: "Runs the API server allowing the Pressify admin panel to manage this instance's modules.",
	PreRun: func(cmd *cobra.Command, args []string) {
		initConfig()
		initLogging()
		if tz := config.Get().System.Timezone; tz != "" {
			log.WithField("timezone", tz).Info("configured daemon timezone")
		}
	},
	Run: rootCmdRun,
}

func init() {
	rootCommand.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	rootCommand.PersistentFlags().BoolVar(&debug, "debug", false, "pass in order to run forge in debug mode")

	rootCommand.AddCommand(versionCommand)
	rootCommand.AddCommand(newUpdateCheckCommand())
}

func rootCmdRun(cmd *cobra.Command, _ []string) {
	printLogo()
	log.Debug("running in debug mode")
	log.WithField("config_file", configPath).Info("loading configuration from file")

	if err := config.ConfigureTimezone(); err != nil {
		log.WithField("error", err).Fatal("failed to detect system timezone or use supplied configuration value")
	}
	if err := config.EnsureDirectories(); err != nil {
		log.WithField("error", err).Fatal("failed to create the daemon data directories")
	}
	if err := database.Initialize(config.Get().System.DatabaseFile); err != nil {
		log.WithField("error", err).Fatal("failed to initialize the local database")
	}

	cfg := config.Get()

	manager := module.NewManager(module.ManagerOpts{
		ModulesRoot:     cfg.System.ModulesDirectory,
		PublicDirectory: cfg.System.PublicDirectory,
	})

	clientOpts := []marketplace.ClientOption{
		marketplace.WithCredentials(cfg.AuthenticationTokenId, cfg.AuthenticationToken),
		marketplace.WithCustomHeaders(cfg.Marketplace.CustomHeaders),
		marketplace.WithTimeout(time.Duration(cfg.Marketplace.Timeout) * time.Second),
	}
	client := marketplace.New(cfg.Marketplace.URL, clientOpts...)

	checker := marketplace.NewChecker(client, manager)
	licenses := marketplace.NewLicenses(client)
	installer := marketplace.NewInstaller(checker, licenses, manager, client)

	scheduler, err := cron.Start(checker)
	if err != nil {
		log.WithField("error", err).Error("failed to start the update check scheduler")
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	r := router.Configure(manager, checker, licenses, installer)
	addr := cfg.Api.Host + ":" + strconv.Itoa(cfg.Api.Port)
	s := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	log.WithFields(log.Fields{
		"use_ssl": cfg.Api.Ssl.Enabled,
		"listen":  addr,
		"version": system.Version,
	}).Info("configuring internal webserver")

	if cfg.Api.Ssl.Enabled {
		s.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if err := s.ListenAndServeTLS(cfg.Api.Ssl.CertificateFile, cfg.Api.Ssl.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err).Fatal("failed to configure HTTPS server")
		}
		return
	}
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithField("error", err).Fatal("failed to configure HTTP server")
	}
}

// Execute calls cobra to handle cli commands
func Execute() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

// Reads the configuration from the disk and then sets up the global singleton
// with all the configuration values.
func initConfig() {
	if !filepath.IsAbs(configPath) {
		d, err := filepath.Abs(configPath)
		if err != nil {
			log.WithField("error", err).Fatal("failed to determine the absolute path to the configuration file")
		}
		configPath = d
	}

	err := config.FromFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			exitWithConfigurationNotice()
		}
		log.WithField("error", err).Fatal("failed to load configuration file")
	}
	config.SetDebugViaFlag(debug)
}

// Configures the global logger so that output lands both on the
// terminal and in the rotated process log file.
func initLogging() {
	dir := config.Get().System.LogDirectory
	if err := os.MkdirAll(filepath.Join(dir), 0o700); err != nil {
		log.WithField("error", err).Fatal("failed to create the daemon log directory")
	}
	p := filepath.Join(dir, "forge.log")
	w, err := logrotate.NewFile(p)
	if err != nil {
		log.WithField("error", err).Fatal("failed to open process log file")
	}
	log.SetLevel(log.InfoLevel)
	if config.Get().Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.SetHandler(multi.New(cli.Default, text.New(w.File)))
	log.WithField("path", p).Info("writing log files to disk")
}

func printLogo() {
	fmt.Printf(system.Logo, system.Version)
}

func exitWithConfigurationNotice() {
	fmt.Printf(`
A configuration file could not be located at %s.

Create one by copying config.example.yml and filling in this
instance's authentication token, or point the daemon at an existing
file with the --config flag.
`, configPath)
	os.Exit(1)
}
