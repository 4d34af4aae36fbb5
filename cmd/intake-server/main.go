package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/forms"
	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/formdef"
	"github.com/ehr/intake/internal/domain/submission"
	"github.com/ehr/intake/internal/platform/abuse"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/hipaa"
	"github.com/ehr/intake/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Patient intake API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(formsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(submissionsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// formsFS returns FORMS_DIR when set, the embedded definitions otherwise.
func formsFS(dir string) fs.FS {
	if dir == "" {
		return forms.FS
	}
	return os.DirFS(dir)
}

func newFormStore(cfg *config.Config, logger zerolog.Logger) *formdef.Store {
	resolver := formdef.NewLocaleResolver(formsFS(cfg.FormsDir), cfg.DefaultLanguage, cfg.SupportedLanguages)
	return formdef.NewStore(resolver, logger)
}

// secretOrRandom returns configured, or a random hex secret when it is empty.
func secretOrRandom(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	b := make([]byte, 32)
	if _, err := crypto_rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func keyConfig(cfg *config.Config) hipaa.KeyConfig {
	return hipaa.KeyConfig{
		Key:      cfg.HIPAAEncryptionKey,
		Version:  cfg.HIPAAKeyVersion,
		Previous: cfg.HIPAAPreviousKeys,
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

// formCheck is the outcome of loading one form in one language.
type formCheck struct {
	FormID   string
	Language string
	Version  string
	Fields   int
	Err      error
}

// checkForms loads every form in every language.
func checkForms(store *formdef.Store, languages []string) []formCheck {
	var out []formCheck
	for _, id := range store.Forms() {
		for _, lang := range languages {
			res := formCheck{FormID: id, Language: lang}
			def, err := store.Load(id, lang)
			if err != nil {
				res.Err = err
			} else {
				res.Version = def.Version
				res.Fields = len(def.Fields)
			}
			out = append(out, res)
		}
	}
	return out
}

func formsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forms",
		Short: "Inspect form definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load every form definition in every supported language",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store := newFormStore(cfg, zerolog.Nop())

			failed := 0
			fmt.Printf("%-20s %-6s %-8s %-7s %s\n", "FORM", "LANG", "VERSION", "FIELDS", "STATUS")
			for _, r := range checkForms(store, cfg.SupportedLanguages) {
				status := "ok"
				if r.Err != nil {
					status = r.Err.Error()
					failed++
				}
				fmt.Printf("%-20s %-6s %-8s %-7d %s\n", r.FormID, r.Language, r.Version, r.Fields, status)
			}
			if failed > 0 {
				return fmt.Errorf("%d form definition(s) failed to load", failed)
			}
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a form token, for testing submissions by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			formID, _ := cmd.Flags().GetString("form")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.FormTokenSecret == "" {
				return fmt.Errorf("FORM_TOKEN_SECRET is required to mint tokens the server accepts")
			}
			token, err := abuse.NewTokens(cfg.FormTokenSecret, nil).Mint(formID)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("form", "anamnese", "Form the token is issued for")
	return cmd
}

func submissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "Maintain stored submissions",
	}

	rekeyCmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt submissions sealed with a previous key",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, _ := cmd.Flags().GetInt("batch")
			if batch < 1 {
				return fmt.Errorf("--batch must be positive")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.HIPAAEncryptionKey == "" {
				return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required to re-encrypt submissions")
			}
			logger := newLogger(cfg)

			enc, err := hipaa.LoadEncryptor(keyConfig(cfg), logger)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := submission.NewPGRepository(pool, enc)
			audit := hipaa.NewAuditLogger(pool)
			version := fmt.Sprintf("%d", enc.CurrentVersion())

			total := 0
			for {
				ids, err := repo.Rekey(ctx, batch)
				for _, id := range ids {
					if aerr := audit.Log(ctx, hipaa.EventKeyRotated, id.String(), map[string]string{"key_version": version}); aerr != nil {
						logger.Error().Err(aerr).Str("submission_id", id.String()).Msg("failed to audit key rotation")
					}
				}
				total += len(ids)
				if err != nil {
					return fmt.Errorf("rekey stopped after %d submission(s): %w", total, err)
				}
				if len(ids) < batch {
					break
				}
			}

			fmt.Printf("Re-encrypted %d submission(s) with key v%s.\n", total, version)
			return nil
		},
	}
	rekeyCmd.Flags().Int("batch", 100, "Submissions re-encrypted per query")
	cmd.AddCommand(rekeyCmd)

	return cmd
}
