package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mikeboe/deep-research/pkg/citation"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/logging"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/search"
	"github.com/mikeboe/deep-research/pkg/telemetry"
)

var (
	question       string
	configFile     string
	apiProvider    string
	searchProvider string
	maxLoops       int
	numQueries     int
)

func main() {
	// It's okay if .env doesn't exist, as long as env vars are set
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "deep-research",
		Short:        "A terminal-based web research agent",
		Long:         `deep-research answers a question by generating search queries, reading the results, reflecting on what is missing and searching again before writing a cited answer.`,
		SilenceUsage: true,
		RunE:         runResearch,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (default ./deep-research.yaml)")
	rootCmd.Flags().StringVarP(&question, "question", "q", "", "The question to research")
	rootCmd.Flags().StringVarP(&apiProvider, "provider", "p", "", "Model backend: auto, openai or gemini")
	rootCmd.Flags().StringVarP(&searchProvider, "search", "s", "", "Search backend: duckduckgo, google or arxiv")
	rootCmd.Flags().IntVar(&maxLoops, "max-loops", 0, "Maximum number of search and reflection cycles")
	rootCmd.Flags().IntVar(&numQueries, "queries", 0, "Number of search queries per cycle")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective provider selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(cfg.Provider.Describe(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies the flags
// the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := config.NewViper(configFile)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("provider") {
		cfg.Provider.APIProvider = strings.ToLower(strings.TrimSpace(apiProvider))
	}
	if flags.Changed("search") {
		name, err := search.ParseProviderName(searchProvider)
		if err != nil {
			return nil, err
		}
		cfg.Provider.SearchProvider = name
	}
	if flags.Changed("max-loops") {
		cfg.Provider.MaxResearchLoops = maxLoops
	}
	if flags.Changed("queries") {
		cfg.Provider.NumberOfInitialQueries = numQueries
	}
	if err := cfg.Provider.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runResearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Format, cfg.Log.Level)
	logging.SetLogger(logger)

	if !cmd.Flags().Changed("question") {
		// Interactive Mode
		fmt.Fprint(cmd.OutOrStdout(), "Enter research question: ")
		input, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		question = input
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return errors.New("question cannot be empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	opts := []research.Option{research.WithLogger(logger)}
	cache, err := search.OpenCache(ctx, cfg.Provider)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
		opts = append(opts, research.WithSearchCache(cache))
	}

	res, err := research.RunResearch(ctx, question, cfg.Provider, opts...)
	if err != nil {
		logger.Error("Research failed", "stage", research.StageOf(err), "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, res.Answer)
	if sources := citation.Format(res.Citations); sources != "" {
		fmt.Fprintln(out)
		fmt.Fprint(out, sources)
	}
	return nil
}
