package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datamove-io/datamove/internal/config"
	"github.com/datamove-io/datamove/internal/pipeline"
	"github.com/datamove-io/datamove/internal/utils"
)

func main() {
	var (
		configPath   string
		envFile      string
		logLevel     string
		validateOnly bool
		simulate     bool
		assumeYes    bool
	)

	rootCmd := &cobra.Command{
		Use:   "datamove",
		Short: "A tool to migrate relational data between orgs and flat files",
		Long: `DataMove

A Go tool that migrates object records between live data services and
flat-file directories, handling lookup dependencies, circular references,
and hand-edited input repair.`,
		Run: func(cmd *cobra.Command, args []string) {
			// Setup logging
			logger := utils.SetupLogging(logLevel)

			// Load environment variables
			utils.LoadEnvironmentVariables(envFile, logger)

			// Load and validate the migration plan
			plan, err := config.Load(configPath)
			if err != nil {
				logger.Errorf("Failed to load migration plan: %v", err)
				os.Exit(1)
			}

			// Command-line flags override plan settings
			if validateOnly {
				plan.ValidateOnly = true
			}
			if simulate {
				plan.Simulate = true
			}

			p := pipeline.New(plan, logger)
			if !assumeYes {
				p.Confirm = promptYesNo
			}

			logger.Info("Starting migration run...")
			if err := p.Run(context.Background()); err != nil {
				logger.Errorf("Migration run failed: %v", err)
				os.Exit(1)
			}
		},
	}

	// Define flags
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "datamove.toml", "Path to the migration plan")
	rootCmd.Flags().StringVarP(&envFile, "env-file", "e", ".env", "Path to .env file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVarP(&validateOnly, "validate-only", "V", false, "Only validate and repair input files without migrating data")
	rootCmd.Flags().BoolVarP(&simulate, "simulate", "s", false, "Run every phase but skip record writes")
	rootCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to all confirmation prompts")

	// Execute
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// promptYesNo asks for an interactive yes/no decision on stdin.
func promptYesNo(msg string) bool {
	fmt.Printf("%s [y/N]: ", msg)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
