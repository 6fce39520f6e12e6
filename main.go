// conversa — chat analysis QA dataset tooling: extraction, batch AI
// translation, verification, and the authenticated search backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"github.com/conversa-dev/conversa/bot"
	"github.com/conversa-dev/conversa/cache"
	"github.com/conversa-dev/conversa/config"
	"github.com/conversa-dev/conversa/dataset"
	"github.com/conversa-dev/conversa/resume"
	"github.com/conversa-dev/conversa/runstate"
	"github.com/conversa-dev/conversa/server"
	"github.com/conversa-dev/conversa/store"
	"github.com/conversa-dev/conversa/translate"
	"github.com/conversa-dev/conversa/verify"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conversa",
		Short: "Chat analysis QA dataset tooling with AI translation",
		Long: `conversa — chat analysis QA dataset tooling.

Extracts question/answer pairs from analyzed chat exports, translates them
from Portuguese to English in rate-limited concurrent batches, verifies the
result, and serves the dataset through an authenticated search API.

Commands:
  process     Extract QA pairs from analyzed chat exports
  translate   Translate the QA dataset (resumable)
  verify      Spot-check translated pairs for leftover Portuguese
  loaddb      Load the translated dataset into PostgreSQL
  serve       Run the search API server
  bot         Run the Telegram admin bot

Configuration comes from CONVERSA_* environment variables or conversa.yaml;
the API key for translation is CONVERSA_TRANSLATE_API_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newProcessCmd(),
		newTranslateCmd(),
		newVerifyCmd(),
		newLoadDBCmd(),
		newServeCmd(),
		newBotCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on the first interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logWarning("Interrupt received, shutting down...")
		cancel()
	}()
	return ctx, cancel
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logError("Configuration: %v", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// ---------------------------------------------------------------------------
// process
// ---------------------------------------------------------------------------

func newProcessCmd() *cobra.Command {
	var (
		inputDir string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Extract QA pairs from analyzed chat exports",
		Long: `Extract question/answer pairs from a directory of analyzed chat
export JSON files into a single normalized dataset.

Pairs come from two places in each export: the conversation-level
overall_analysis block and the per-date timeline progression. Every pair
gets a stable sequential ID used by all later stages.`,
		Run: func(cmd *cobra.Command, args []string) {
			runProcess(inputDir, output)
		},
	}

	cmd.Flags().StringVar(&inputDir, "input", "analysis_results", "Directory with analyzed chat exports")
	cmd.Flags().StringVar(&output, "output", "normalized_qa_pairs.json", "Output dataset file")

	return cmd
}

func runProcess(inputDir, output string) {
	logInfo("Extracting QA pairs from %s...", inputDir)

	pairs, err := dataset.ExtractDir(inputDir)
	if err != nil {
		logError("Extraction failed: %v", err)
		os.Exit(1)
	}

	f := dataset.NewNormalized(pairs)
	if err := f.Save(output); err != nil {
		logError("Saving dataset: %v", err)
		os.Exit(1)
	}

	logSuccess("Extracted %d QA pairs to %s", len(pairs), output)
}

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

func newTranslateCmd() *cobra.Command {
	var (
		input     string
		output    string
		cacheFile string
		doResume  bool
	)

	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate the QA dataset (resumable)",
		Long: `Translate every question, answer and context from Portuguese to
English in rate-limited concurrent batches.

Successful translations land in the persistent cache as each field pass
completes, so an interrupted run can pick up where it stopped. Failed
batches fall back to their source text after retries instead of aborting
the run; rerun with --resume to retry just the failed and missing pairs.

Examples:
  # Full run
  conversa translate

  # Retry failed/missing pairs from an earlier run
  conversa translate --resume --input translated_qa_pairs.json`,
		Run: func(cmd *cobra.Command, args []string) {
			runTranslateCmd(input, output, cacheFile, doResume)
		},
	}

	cmd.Flags().StringVar(&input, "input", "normalized_qa_pairs.json", "Input dataset file")
	cmd.Flags().StringVar(&output, "output", "translated_qa_pairs.json", "Output dataset file")
	cmd.Flags().StringVar(&cacheFile, "cache", "translation_cache.json", "Persistent translation cache")
	cmd.Flags().BoolVar(&doResume, "resume", false, "Only translate failed or missing pairs")

	return cmd
}

func runTranslateCmd(input, output, cacheFile string, doResume bool) {
	cfg := loadConfig()
	if cfg.Translate.APIKey == "" {
		logError("Configuration: CONVERSA_TRANSLATE_API_KEY is not set")
		os.Exit(1)
	}

	f, err := dataset.Load(input)
	if err != nil {
		logError("Loading dataset: %v", err)
		os.Exit(1)
	}

	targets := f.QAPairs
	if doResume {
		status := resume.Analyze(f.QAPairs)
		logInfo("Resume analysis: %d total, %d already translated, %d need translation (%d missing question, %d missing answer, %d failed)",
			status.Total, status.AlreadyTranslated, status.NeedsTranslation,
			status.MissingQuestion, status.MissingAnswer, status.FailedTranslation)
		targets = resume.Filter(f.QAPairs)
		if len(targets) == 0 {
			logSuccess("Nothing to translate, dataset is complete")
			return
		}
	}

	c, err := cache.Load(cacheFile)
	if err != nil {
		logError("Loading cache: %v", err)
		os.Exit(1)
	}
	logInfo("Cache: %d entries from %s", c.Len(), cacheFile)

	lock, err := runstate.Load(".")
	if err != nil {
		logError("Loading run state: %v", err)
		os.Exit(1)
	}
	if lock.Interrupted() {
		logWarning("Previous run was interrupted; cached progress will be reused")
	}
	lock.Begin(cfg.Translate.Model, doResume)
	if err := lock.Save(); err != nil {
		logWarning("Saving run state: %v", err)
	}

	client := translate.NewClient(
		cfg.Translate.BaseURL, cfg.Translate.APIKey, cfg.Translate.Referer,
		cfg.Translate.Model, cfg.Translate.Temperature, cfg.Translate.MaxTokens,
		time.Duration(cfg.Translate.TimeoutSeconds)*time.Second)

	pipeline := translate.NewPipeline(client, c, translate.Options{
		BatchSize:         cfg.Translate.BatchSize,
		MaxConcurrent:     cfg.Translate.MaxConcurrent,
		RequestsPerMinute: cfg.Translate.RequestsPerMinute,
		MaxRetries:        cfg.Translate.MaxRetries,
		OnProgress: func(field string, done, total int) {
			logInfo("%s: %d/%d", field, done, total)
			lock.Progress(field, done, total)
			if err := lock.Save(); err != nil {
				logWarning("Saving run state: %v", err)
			}
		},
		OnLog:   logInfo,
		OnError: logWarning,
	})

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	logInfo("Translating %d pairs with %s (batch %d, %d concurrent, %d rpm)...",
		len(targets), cfg.Translate.Model, cfg.Translate.BatchSize,
		cfg.Translate.MaxConcurrent, cfg.Translate.RequestsPerMinute)

	summary, err := pipeline.TranslatePairs(ctx, targets)
	if err != nil {
		logError("Translation failed: %v", err)
		os.Exit(1)
	}

	f.Metadata["translated_at"] = time.Now().Format(time.RFC3339)
	f.Metadata["translation_model"] = cfg.Translate.Model
	if err := f.Save(output); err != nil {
		logError("Saving dataset: %v", err)
		os.Exit(1)
	}

	lock.Finish(summary.Translated, summary.Degraded, summary.Cached)
	if err := lock.Save(); err != nil {
		logWarning("Saving run state: %v", err)
	}

	logSuccess("Translated %d values (%d cached, %d degraded, %d batches) in %s",
		summary.Translated, summary.Cached, summary.Degraded, summary.Batches,
		translate.Elapsed(start))
	logSuccess("Dataset written to %s", output)
	if summary.Degraded > 0 {
		logWarning("%d values kept their source text; rerun with --resume to retry them", summary.Degraded)
	}
}

// ---------------------------------------------------------------------------
// verify
// ---------------------------------------------------------------------------

func newVerifyCmd() *cobra.Command {
	var (
		input string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Spot-check translated pairs for leftover Portuguese",
		Run: func(cmd *cobra.Command, args []string) {
			runVerify(input, limit)
		},
	}

	cmd.Flags().StringVar(&input, "input", "translated_qa_pairs.json", "Translated dataset file")
	cmd.Flags().IntVar(&limit, "limit", 0, "Only check the first N pairs (0 = all)")

	return cmd
}

func runVerify(input string, limit int) {
	f, err := dataset.Load(input)
	if err != nil {
		logError("Loading dataset: %v", err)
		os.Exit(1)
	}

	report := verify.Check(f.QAPairs, limit)
	logInfo("Checked %d pairs", report.Checked)

	if report.OK() {
		logSuccess("No issues found")
		return
	}

	for _, issue := range report.Issues {
		logWarning("%s", issue.String())
	}
	logError("%d issue(s) found", len(report.Issues))
	os.Exit(1)
}

// ---------------------------------------------------------------------------
// loaddb
// ---------------------------------------------------------------------------

func newLoadDBCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "loaddb",
		Short: "Load the translated dataset into PostgreSQL",
		Long: `Apply schema migrations and replace the database contents with the
translated dataset. Conversations and topics are rebuilt from the metadata
carried by each pair.`,
		Run: func(cmd *cobra.Command, args []string) {
			runLoadDB(input)
		},
	}

	cmd.Flags().StringVar(&input, "input", "translated_qa_pairs.json", "Translated dataset file")

	return cmd
}

func runLoadDB(input string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		logError("Configuration: CONVERSA_DATABASE_URL is not set")
		os.Exit(1)
	}

	f, err := dataset.Load(input)
	if err != nil {
		logError("Loading dataset: %v", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		logError("Database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		logError("Migrations: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	n, err := store.NewPostgresQAStore(db).Import(ctx, f.QAPairs)
	if err != nil {
		logError("Import failed: %v", err)
		os.Exit(1)
	}
	logSuccess("Imported %d QA pairs", n)
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the search API server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	return cmd
}

func runServe() {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		logError("Configuration: CONVERSA_DATABASE_URL is not set")
		os.Exit(1)
	}
	if cfg.Server.JWTSecret == "" {
		logError("Configuration: CONVERSA_SERVER_JWT_SECRET is not set")
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		logError("Database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		logError("Migrations: %v", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	tokens := server.NewTokenService(cfg.Server.JWTSecret,
		time.Duration(cfg.Server.TokenTTLHour)*time.Hour)

	var analysis *server.AnalysisIndex
	if cfg.Server.AnalysisDir != "" {
		analysis = server.NewAnalysisIndex(cfg.Server.AnalysisDir)
	}

	srv := server.New(
		store.NewPostgresQAStore(db),
		store.NewPostgresUserStore(db),
		tokens, analysis, logger)

	ctx, cancel := signalContext()
	defer cancel()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logInfo("Serving on %s", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		logError("Server: %v", err)
		os.Exit(1)
	}
	logSuccess("Server stopped")
}

// ---------------------------------------------------------------------------
// bot
// ---------------------------------------------------------------------------

func newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram admin bot",
		Run: func(cmd *cobra.Command, args []string) {
			runBot()
		},
	}
	return cmd
}

func runBot() {
	cfg := loadConfig()
	if cfg.Bot.Token == "" {
		logError("Configuration: CONVERSA_BOT_TOKEN is not set")
		os.Exit(1)
	}
	adminIDs := cfg.Bot.AdminIDList()
	if len(adminIDs) == 0 {
		logError("Configuration: CONVERSA_BOT_ADMIN_IDS is not set")
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		logError("Configuration: CONVERSA_DATABASE_URL is not set")
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		logError("Database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		logError("Migrations: %v", err)
		os.Exit(1)
	}

	api, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		logError("Telegram: %v", err)
		os.Exit(1)
	}
	logInfo("Authorized as @%s", api.Self.UserName)

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := api.GetUpdatesChan(updateCfg)

	logger := newLogger(cfg.Server.LogLevel)
	b := bot.New(api,
		store.NewPostgresUserStore(db),
		store.NewPostgresQAStore(db),
		adminIDs, logger)

	ctx, cancel := signalContext()
	defer cancel()

	if err := b.Run(ctx, updates); err != nil && err != context.Canceled {
		logError("Bot: %v", err)
		os.Exit(1)
	}
	logSuccess("Bot stopped")
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conversa %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
