package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/estuary/internal/client"
	"github.com/MarcoPoloResearchLab/estuary/internal/config"
	"github.com/MarcoPoloResearchLab/estuary/internal/database"
	"github.com/MarcoPoloResearchLab/estuary/internal/demo"
	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/logging"
	"github.com/MarcoPoloResearchLab/estuary/internal/merge"
	"github.com/MarcoPoloResearchLab/estuary/internal/message"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "estuary",
		Short: "Estuary synchronization node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		makeCommand("register", "Request node credentials from the server", func(cmd *cobra.Command, node *client.Client) error {
			registered, err := node.Register(cmd.Context(), nil)
			if err != nil {
				return err
			}
			fmt.Printf("registered as node %d\n", registered.ID)
			return nil
		}),
		makeCommand("push", "Send local changes to the server", func(cmd *cobra.Command, node *client.Client) error {
			version, err := node.Push(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("at version %d\n", version)
			return nil
		}),
		makeCommand("pull", "Fetch and merge changes from the server", func(cmd *cobra.Command, node *client.Client) error {
			if err := node.Pull(cmd.Context(), nil); err != nil {
				return err
			}
			version, err := node.LastKnownVersion()
			if err != nil {
				return err
			}
			fmt.Printf("merged to version %d\n", version)
			return nil
		}),
		makeCommand("sync", "Push, pulling first when the server moved ahead", func(cmd *cobra.Command, node *client.Client) error {
			if err := node.Sync(cmd.Context()); err != nil {
				var constraint *merge.UniqueConstraintError
				if errors.As(err, &constraint) {
					fmt.Println("manual resolution required:")
					for _, entry := range constraint.Entries {
						fmt.Printf("  %s\n", entry)
					}
				}
				return err
			}
			fmt.Println("in sync")
			return nil
		}),
		makeCommand("repair", "Replace the local database with a server snapshot", func(cmd *cobra.Command, node *client.Client) error {
			if err := node.Repair(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("repaired")
			return nil
		}),
		makeCommand("status", "Show registration and pending changes", func(cmd *cobra.Command, node *client.Client) error {
			if !node.IsRegistered() {
				fmt.Println("not registered")
				return nil
			}
			version, err := node.LastKnownVersion()
			if err != nil {
				return err
			}
			fmt.Printf("registered, at version %d\n", version)
			pending, err := node.UnsyncedObjects(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("nothing to push")
				return nil
			}
			for _, object := range pending {
				fmt.Printf("  %s %s\n", object.Kind, object.Ref)
			}
			return nil
		}),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Synchronization server URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("sync-retries", defaults.GetInt("sync.retries"), "Bound on push/pull retry rounds")
	cmd.PersistentFlags().Bool("auth", defaults.GetBool("auth.enabled"), "Exchange node credentials for bearer tokens")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.retries", "sync-retries")
	bindFlag(cmd, "auth.enabled", "auth")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func makeCommand(use, short string, run func(*cobra.Command, *client.Client) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			node, cleanup, err := buildClient()
			if err != nil {
				return err
			}
			defer cleanup()
			return run(cmd, node)
		},
	}
}

func buildClient() (*client.Client, func(), error) {
	appConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewCLILogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	registry := track.NewRegistry()
	if err := demo.Register(registry); err != nil {
		return nil, nil, err
	}
	tracker, err := journal.NewTracker(registry, logger)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := database.CreateAll(db, registry, tracker, logger); err != nil {
		return nil, nil, err
	}

	codec, err := message.NewCodec(registry)
	if err != nil {
		return nil, nil, err
	}
	merger, err := merge.NewEngine(merge.EngineConfig{
		Registry: registry,
		Tracker:  tracker,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	node, err := client.New(client.Config{
		Database:    db,
		Registry:    registry,
		Tracker:     tracker,
		Merger:      merger,
		Codec:       codec,
		ServerURL:   appConfig.ServerURL,
		AuthEnabled: appConfig.AuthEnabled,
		SyncRetries: appConfig.SyncRetries,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		logger.Sync() //nolint:errcheck
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return node, cleanup, nil
}
