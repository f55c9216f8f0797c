package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/markbot/internal/config"
	"github.com/stellarlinkco/markbot/internal/corpus"
	"github.com/stellarlinkco/markbot/internal/cron"
	"github.com/stellarlinkco/markbot/internal/gateway"
	"github.com/stellarlinkco/markbot/internal/responder"
)

var rootCmd = &cobra.Command{
	Use:               "markbot",
	Short:             "markbot - Markov chain group chat bot",
	PersistentPreRunE: loadDotEnv,
	SilenceUsage:      true,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the chat transports, scheduled regeneration and metrics",
	RunE:  runGateway,
}

var regenCmd = &cobra.Command{
	Use:   "regen",
	Short: "Rebuild the model from the stored dataset",
	RunE:  runRegen,
}

var respondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Print one generated sentence",
	RunE:  runRespond,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, data directory and phrase file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show markbot status",
	RunE:  runStatus,
}

var (
	debugFlag bool
	forceFlag string
)

func init() {
	respondCmd.Flags().BoolVar(&debugFlag, "debug", false, "Print generation details as JSON")
	respondCmd.Flags().StringVarP(&forceFlag, "force", "f", "", "Only accept sentences containing one of these words")
	rootCmd.AddCommand(gatewayCmd, regenCmd, respondCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads ./.env before config so tokens can live outside config.json.
func loadDotEnv(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !cfg.Channels.Discord.Enabled && !cfg.Channels.Telegram.Enabled {
		return fmt.Errorf("no channel enabled. Run 'markbot onboard' and enable discord or telegram")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runRegen(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := gateway.OpenStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open dataset store: %w", err)
	}
	defer store.Close()

	p := corpus.NewPipeline(corpus.NewBuffer(), store, corpus.NewBuilder(cfg.Markov.StateSize), cfg.Storage.Model())
	stats, err := p.Regen()
	if err != nil {
		return fmt.Errorf("regen: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Model: %s\n", p.ModelPath())
	fmt.Fprintf(out, "Records: %d (built in %s)\n", stats.Records, stats.Duration)
	if stats.Seeded {
		fmt.Fprintln(out, "Dataset could not be read, started from the seed record")
	}
	return nil
}

func runRespond(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sel := responder.NewSelector(responder.FileLoader(cfg.Storage.Model()),
		rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
	c := responder.Constraints{
		MinScore:    cfg.Markov.MinScore,
		MinRefs:     cfg.Markov.MinRefs,
		MaxAttempts: cfg.Markov.MaxTries,
	}
	if forceFlag != "" {
		c.RequiredWords = responder.Topics(forceFlag)
		if len(c.RequiredWords) == 0 {
			return fmt.Errorf("force words %q are all too common to match", forceFlag)
		}
	}

	res, err := sel.Generate(c)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	out := cmd.OutOrStdout()
	if debugFlag {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}
	fmt.Fprintln(out, res.Text)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	writeIfNotExists(out, cfg.Storage.Phrases(), defaultPhrases)

	fmt.Fprintf(out, "Data directory ready: %s\n", cfg.Storage.DataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to enable discord or telegram\n", cfgPath)
	fmt.Fprintln(out, "  2. Or put MARKBOT_DISCORD_TOKEN / MARKBOT_TELEGRAM_TOKEN in .env")
	fmt.Fprintln(out, "  3. Run 'markbot gateway'")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Prefix: %s\n", cfg.Bot.Prefix)
	fmt.Fprintf(out, "Storage: %s (%s)\n", cfg.Storage.Backend, cfg.Storage.DataDir)

	store, err := gateway.OpenStore(cfg.Storage)
	if err != nil {
		fmt.Fprintf(out, "Dataset: error (%v)\n", err)
	} else {
		p := corpus.NewPipeline(corpus.NewBuffer(), store, corpus.NewBuilder(cfg.Markov.StateSize), cfg.Storage.Model())
		records, err := p.Dataset()
		store.Close()
		if err != nil {
			fmt.Fprintln(out, "Dataset: not found (run 'markbot regen' or let the gateway collect messages)")
		} else {
			fmt.Fprintf(out, "Dataset: %d records\n", len(records))
		}
	}

	if info, err := os.Stat(cfg.Storage.Model()); err != nil {
		fmt.Fprintln(out, "Model: not built")
	} else {
		fmt.Fprintf(out, "Model: %d bytes, built %s\n", info.Size(), info.ModTime().Format("2006-01-02 15:04"))
	}

	fmt.Fprintf(out, "Discord: enabled=%v\n", cfg.Channels.Discord.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Meme: enabled=%v\n", cfg.Meme.Username != "" && cfg.Meme.Password != "")

	svc := cron.NewService(cfg.Storage.Jobs())
	if err := svc.Load(); err != nil {
		fmt.Fprintf(out, "Jobs: error (%v)\n", err)
		return nil
	}
	jobs := svc.ListJobs()
	fmt.Fprintf(out, "Jobs: %d\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(out, "  %s %s\n", job.Name, describeSchedule(job.Schedule))
	}
	return nil
}

func describeSchedule(s cron.Schedule) string {
	if s.Kind == cron.KindAt {
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	}
	return "cron " + s.Expr
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultPhrases = `{
  "messages": [
    "I have seen things you people would not believe.",
    "Is anyone still here?",
    "Say something, I am learning.",
    "It has been quiet. Too quiet."
  ]
}
`
