package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "Applies or rolls back Postgres schema migrations",
		Annotations: map[string]string{skipAppAnnotation: "true"},
	}

	up := &cobra.Command{
		Use:         "up",
		Short:       "Applies all pending migrations",
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			if rt.cfg.DB.DSN == "" {
				return errors.New("db.dsn is required to migrate")
			}
			return postgres.MigrateUp(rt.cfg.DB.DSN, rt.logger)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:         "down",
		Short:       "Rolls back migrations",
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd)
			if err != nil {
				return err
			}
			if rt.cfg.DB.DSN == "" {
				return errors.New("db.dsn is required to migrate")
			}
			return postgres.MigrateDown(rt.cfg.DB.DSN, steps, rt.logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}
