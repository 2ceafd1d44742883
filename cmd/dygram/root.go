//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dygram-ai/dygram-go/log"
	"github.com/dygram-ai/dygram-go/session"
	"github.com/dygram-ai/dygram-go/session/filestore"
	"github.com/dygram-ai/dygram-go/session/sqlite"
)

// Persistent flag values shared by subcommands.
type rootFlags struct {
	logLevel   string
	sessionDir string
	store      string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "dygram",
		Short:         "Graph-driven, agent-augmented workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.SetLevel(flags.logLevel)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&flags.sessionDir, "session-dir", "", "session store location (default .dygram/executions)")
	cmd.PersistentFlags().StringVar(&flags.store, "store", "file", "session store backend: file or sqlite")

	initConfig()

	cmd.AddCommand(
		newGenerateCommand(),
		newExecuteCommand(flags),
		newExecCommand(flags),
		newCheckImportsCommand(),
		newBundleCommand(),
	)
	return cmd
}

// initConfig binds the DYGRAM_* and provider environment variables
// and an optional .dygram.yaml in the working directory.
func initConfig() {
	viper.SetEnvPrefix("DYGRAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	viper.BindEnv("anthropic.model_id", "ANTHROPIC_MODEL_ID")
	viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("openai.base_url", "OPENAI_BASE_URL")

	viper.SetConfigName(".dygram")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warnf("ignoring config file: %v", err)
		}
	}
}

// openStore builds the configured session store.
func openStore(flags *rootFlags) (session.Store, error) {
	switch flags.store {
	case "", "file":
		return filestore.New(flags.sessionDir)
	case "sqlite":
		path := flags.sessionDir
		if path == "" {
			path = ".dygram/executions.db"
		}
		return sqlite.Open(path)
	}
	return nil, fmt.Errorf("unknown store backend %q", flags.store)
}
