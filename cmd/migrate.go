package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(config.ResolvePath(cfgFile))
			if err != nil {
				fmt.Fprintf(os.Stderr, "config: %s\n", err)
				os.Exit(1)
			}
			if cfg.Database.PostgresDSN == "" {
				fmt.Fprintln(os.Stderr, "no postgres_dsn configured")
				os.Exit(1)
			}

			db, err := pg.OpenDB(cfg.Database.PostgresDSN, cfg.Database.PoolMinConns, cfg.Database.PoolMaxConns)
			if err != nil {
				fmt.Fprintf(os.Stderr, "connect: %s\n", err)
				os.Exit(1)
			}
			defer db.Close()

			if err := pg.Migrate(db); err != nil {
				fmt.Fprintf(os.Stderr, "migrate: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("migrations applied")
		},
	}
}
