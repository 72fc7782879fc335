package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/matthewjhunter/gazette"
	"github.com/matthewjhunter/gazette/internal/config"
	"github.com/matthewjhunter/gazette/internal/output"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	cfg          *config.Config
	outputFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "gazette",
		Short:         "Self-hosted feed aggregator with a Fever sync API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init-config" {
				return nil
			}
			if err := loadConfig(); err != nil {
				return err
			}
			setupLogging(cfg)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "human", "output format: json, text, human")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(addCategoryCmd())
	rootCmd.AddCommand(addFeedCmd())
	rootCmd.AddCommand(feedsCmd())
	rootCmd.AddCommand(categoriesCmd())
	rootCmd.AddCommand(setAPIKeyCmd())
	rootCmd.AddCommand(initConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configPath == "" {
		configPath = "./config/config.yaml"
	}
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// setupLogging installs the default slog logger from the log section.
func setupLogging(c *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(c.Log.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func newFormatter() (*output.Formatter, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewFormatter(format), nil
}

// withEngine opens an engine for a one-shot command and closes it afterwards.
func withEngine(fn func(*gazette.Engine, *output.Formatter) error) error {
	formatter, err := newFormatter()
	if err != nil {
		return err
	}
	engine, err := gazette.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(engine, formatter)
}

func crawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl cycle over every feed and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(engine *gazette.Engine, formatter *output.Formatter) error {
				ctx, stop := signalContext(context.Background())
				defer stop()
				result, err := engine.Crawl(ctx)
				if err != nil {
					return fmt.Errorf("crawl failed: %w", err)
				}
				return reportCrawl(formatter, result)
			})
		},
	}
}

// reportCrawl prints the cycle summary and warns on stderr when any feed
// failed, so scripted runs notice without parsing the summary.
func reportCrawl(formatter *output.Formatter, result *gazette.CycleResult) error {
	if err := formatter.OutputCycleResult(result); err != nil {
		return err
	}
	if result.FeedsErrored > 0 {
		permanent := 0
		for _, o := range result.Feeds {
			if o.Permanent {
				permanent++
			}
		}
		formatter.Warning("%d of %d feeds failed (%d permanently)", result.FeedsErrored, result.FeedsTotal, permanent)
	}
	return nil
}

func reportImport(formatter *output.Formatter, result *gazette.ImportResult) error {
	if err := formatter.OutputImportResult(result); err != nil {
		return err
	}
	if result.Failed > 0 {
		formatter.Warning("%d outlines could not be imported", result.Failed)
	}
	return nil
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <opml-file>",
		Short: "Import feeds from an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(engine *gazette.Engine, formatter *output.Formatter) error {
				result, err := engine.ImportOPML(args[0])
				if err != nil {
					return fmt.Errorf("failed to import OPML: %w", err)
				}
				return reportImport(formatter, result)
			})
		},
	}
}

func addCategoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-category <name>",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(engine *gazette.Engine, formatter *output.Formatter) error {
				id, err := engine.AddCategory(args[0])
				if err != nil {
					return fmt.Errorf("failed to add category: %w", err)
				}
				return formatter.OutputCreated("category", id, args[0])
			})
		},
	}
}

func addFeedCmd() *cobra.Command {
	var category, title string
	cmd := &cobra.Command{
		Use:   "add-feed <url>",
		Short: "Subscribe to a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(engine *gazette.Engine, formatter *output.Formatter) error {
				id, err := engine.AddFeed(args[0], category, title)
				if err != nil {
					return fmt.Errorf("failed to add feed: %w", err)
				}
				name := title
				if name == "" {
					name = args[0]
				}
				return formatter.OutputCreated("feed", id, name)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category name (default: Uncategorized)")
	cmd.Flags().StringVar(&title, "title", "", "feed title until the first crawl")
	return cmd
}

func feedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feeds",
		Short: "List subscribed feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(engine *gazette.Engine, formatter *output.Formatter) error {
				feeds, err := engine.Feeds()
				if err != nil {
					return fmt.Errorf("failed to list feeds: %w", err)
				}
				return formatter.OutputFeeds(feeds)
			})
		},
	}
}

func categoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(engine *gazette.Engine, formatter *output.Formatter) error {
				cats, err := engine.Categories()
				if err != nil {
					return fmt.Errorf("failed to list categories: %w", err)
				}
				return formatter.OutputCategories(cats)
			})
		},
	}
}

func setAPIKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-api-key <email> <password>",
		Short: "Store the Fever API key for a login (applies on next serve)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(engine *gazette.Engine, formatter *output.Formatter) error {
				if _, err := engine.SetAPIKey(args[0], args[1]); err != nil {
					return fmt.Errorf("failed to set API key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Fever API key stored for %s\n", args[0])
				return nil
			})
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = "./config/config.yaml"
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file already exists: %s", path)
			}

			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			return nil
		},
	}
}
