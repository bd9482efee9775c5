package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/prepdeck/internal/engine"
	"github.com/pavelanni/prepdeck/internal/feedback"
	"github.com/pavelanni/prepdeck/internal/handler"
	appI18n "github.com/pavelanni/prepdeck/internal/i18n"
	"github.com/pavelanni/prepdeck/internal/model"
	"github.com/pavelanni/prepdeck/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "prepdeck",
		Short: "Interview practice session server",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), sweepCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `prepdeck --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP session server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "prepdeck.db", "SQLite database path")
	f.StringSliceP("catalog", "c", nil, "Paths to catalog JSON files (repeatable)")
	f.String("llm-url", "", "OpenAI-compatible API base URL for practice feedback (empty = disabled)")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.StringP("lang", "l", "en", "Default response language (en, ru)")
	f.Duration("sweep-interval", time.Minute, "Background maintenance interval")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set PREPDECK_ADMIN_PASSWORD)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finished session results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "prepdeck.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass (expire sessions, settle refunds, backfill analytics)",
		RunE:  runSweep,
	}
	f := cmd.Flags()
	f.String("db", "prepdeck.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PREPDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("prepdeck")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/prepdeck")
	v.AddConfigPath("/etc/prepdeck")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	if err := loadCatalogs(db, v.GetStringSlice("catalog")); err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	// Optional LLM feedback client for practice sessions.
	var explainer *feedback.Client
	if llmURL := v.GetString("llm-url"); llmURL != "" {
		explainer = feedback.New(llmURL, v.GetString("llm-key"), v.GetString("llm-model"))
		if err := explainer.Ping(context.Background()); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", llmURL, "model", v.GetString("llm-model"))
	} else {
		slog.Info("LLM feedback disabled")
	}

	ledger := engine.NewLedger(db)
	analytics := engine.NewAggregator(db)
	lifecycle := engine.NewLifecycle(db, ledger, analytics)
	monitor := engine.NewMonitor(db)
	retaker := engine.NewRetaker(db, lifecycle)
	sweeper := engine.NewSweeper(db, lifecycle, analytics, ledger, v.GetDuration("sweep-interval"))

	analytics.Start()
	defer analytics.Stop()
	sweeper.Start()
	defer sweeper.Stop()

	h := handler.New(db, lifecycle, monitor, retaker, analytics, ledger, explainer, handler.Config{
		SecureCookies: v.GetBool("secure-cookies"),
		Lang:          lang,
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"lang", lang,
		"sweep_interval", v.GetDuration("sweep-interval"),
		"llm_url", v.GetString("llm-url"),
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportResults()
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ledger := engine.NewLedger(db)
	analytics := engine.NewAggregator(db)
	lifecycle := engine.NewLifecycle(db, ledger, analytics)
	sweeper := engine.NewSweeper(db, lifecycle, analytics, ledger, 0)
	sweeper.Sweep()
	return nil
}

// catalogFile is the on-disk import format: a question bank plus the
// assignments built from it.
type catalogFile struct {
	Questions   []model.QuestionImport   `json:"questions"`
	Assignments []model.AssignmentImport `json:"assignments"`
}

func loadCatalogs(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("catalog file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("catalog file changed since last import, skipping to avoid breaking existing sessions",
				"path", path)
			continue
		}

		var catalog catalogFile
		if err := json.Unmarshal(data, &catalog); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for i, qi := range catalog.Questions {
			q := model.Question{
				Type:          qi.Type,
				Topic:         qi.Topic,
				Difficulty:    qi.Difficulty,
				Text:          qi.Text,
				ReferenceText: qi.ReferenceText,
				Explanation:   qi.Explanation,
			}
			for idx, text := range qi.Options {
				q.Options = append(q.Options, model.Option{
					Text:    text,
					Correct: containsInt(qi.CorrectIdx, idx),
				})
			}
			if _, err := db.InsertQuestion(q); err != nil {
				return fmt.Errorf("insert question %d from %s: %w", i, path, err)
			}
		}

		for _, ai := range catalog.Assignments {
			ids, err := db.ListQuestionsFiltered(ai.Topic, ai.Difficulty)
			if err != nil {
				return fmt.Errorf("select questions for %q: %w", ai.Name, err)
			}
			a := model.Assignment{
				Name:             ai.Name,
				Mode:             ai.Mode,
				Topic:            ai.Topic,
				Difficulty:       ai.Difficulty,
				QuestionIDs:      ids,
				RandomOrder:      ai.RandomOrder,
				TimeLimit:        ai.TimeLimit,
				Cost:             ai.Cost,
				WrittenThreshold: ai.WrittenThreshold,
				ViolationCeiling: ai.ViolationCeiling,
				Active:           true,
			}
			if a.WrittenThreshold == 0 {
				a.WrittenThreshold = engine.DefaultWrittenThreshold
			}
			if a.ViolationCeiling == 0 {
				a.ViolationCeiling = engine.DefaultViolationCeiling
			}
			if _, err := db.CreateAssignment(a); err != nil {
				return fmt.Errorf("create assignment %q from %s: %w", ai.Name, path, err)
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported catalog", "path", path,
			"questions", len(catalog.Questions), "assignments", len(catalog.Assignments))
	}

	return nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or PREPDECK_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
