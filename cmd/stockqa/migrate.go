package main

import (
	"fmt"

	"github.com/ashwinyue/stockqa/internal/database"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l := logger.New(cfg.Log)
		defer func() { _ = l.Sync() }()

		db, err := database.New(cfg, l, true)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		defer db.Close()

		l.Info("database migrated")
		return nil
	},
}
