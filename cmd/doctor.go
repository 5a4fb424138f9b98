package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/store/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("vigil doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := config.ResolvePath(cfgFile)
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, env-only)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.PostgresDSN == "" {
		fmt.Println("    postgres_dsn not set (FAIL)")
	} else {
		db, dbErr := pg.OpenDB(cfg.Database.PostgresDSN, cfg.Database.PoolMinConns, cfg.Database.PoolMaxConns)
		if dbErr != nil {
			fmt.Printf("    connect: %s (FAIL)\n", dbErr)
		} else {
			fmt.Println("    connect: OK")
			db.Close()
		}
	}

	fmt.Println()
	fmt.Println("  Telegram:")
	if cfg.Telegram.Token == "" {
		fmt.Println("    bot token not set (FAIL)")
	} else {
		fmt.Println("    bot token: set")
	}
	if cfg.Telegram.WebhookSecret == "" {
		fmt.Println("    webhook secret not set (webhook requests unauthenticated)")
	} else {
		fmt.Println("    webhook secret: set")
	}
	fmt.Printf("    master chats: %d\n", len(cfg.Telegram.MasterChatIDs))

	fmt.Println()
	fmt.Println("  Providers:")
	if cfg.Providers.AnthropicAPIKey != "" {
		fmt.Println("    anthropic api key: set")
	} else {
		fmt.Println("    anthropic api key: not set")
	}
	if cfg.Providers.CLI.Enabled {
		if path, lookErr := exec.LookPath(cfg.Providers.CLI.Binary); lookErr != nil {
			fmt.Printf("    cli executor %q: not found in PATH (FAIL)\n", cfg.Providers.CLI.Binary)
		} else {
			fmt.Printf("    cli executor: %s\n", path)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("\n  Validation: %s (FAIL)\n", err)
		return
	}
	fmt.Println("\n  Validation: OK")
}
