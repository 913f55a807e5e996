package commands

import (
	"fmt"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Example: `  # Migrate the database named in the config file
  auditd migrate -c auditd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cmd, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}

			log.Info().Str("path", cfg.Database.Path).Uint("version", version).Msg("Database migrated")
			if jsonOutput {
				return printJSON(map[string]interface{}{"version": version, "dirty": dirty})
			}
			fmt.Printf("schema version %d (dirty=%v)\n", version, dirty)
			return nil
		},
	}
}

// openStore opens and migrates the SQLite store.
func openStore(cmd *cobra.Command, cfg stores.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(cmd.Context()); err != nil {
		return nil, err
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
