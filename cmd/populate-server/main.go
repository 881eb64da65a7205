package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/sdcpopulate/internal/config"
	"github.com/ehr/sdcpopulate/internal/domain/populate"
	"github.com/ehr/sdcpopulate/internal/platform/db"
	"github.com/ehr/sdcpopulate/internal/platform/fhir"
	"github.com/ehr/sdcpopulate/internal/platform/fhirclient"
	"github.com/ehr/sdcpopulate/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "populate-server",
		Short: "SDC Questionnaire $populate service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(populateCmd())
	rootCmd.AddCommand(schemaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the $populate HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func populateCmd() *cobra.Command {
	var opts populateOptions
	cmd := &cobra.Command{
		Use:   "populate",
		Short: "Populate one questionnaire and print the output Parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			out := cmd.OutOrStdout()
			if opts.out != "" {
				f, err := os.Create(opts.out)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}
			return runPopulate(cmd.Context(), cfg, logger, opts, out)
		},
	}
	cmd.Flags().StringVar(&opts.questionnaire, "questionnaire", "", "Questionnaire JSON file")
	cmd.Flags().StringVar(&opts.parameters, "parameters", "", "$populate input Parameters JSON file")
	cmd.Flags().StringVar(&opts.patient, "patient", "", "Patient JSON file for the patient launch context")
	cmd.Flags().StringVar(&opts.user, "user", "", "Practitioner JSON file for the user launch context")
	cmd.Flags().StringVar(&opts.encounter, "encounter", "", "Encounter JSON file for the encounter launch context")
	cmd.Flags().StringVar(&opts.out, "out", "", "Write the output Parameters to this file instead of stdout")
	return cmd
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Apply the questionnaire store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			showStatus, _ := cmd.Flags().GetBool("status")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.UsesDatabase() {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !showStatus {
				count, err := populate.EnsureSchema(ctx, pool)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			}

			statuses, err := db.NewMigrator(pool, populate.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	cmd.Flags().Bool("status", false, "List applied and pending migrations instead of applying them")
	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// newService wires the pipeline from configuration. pool may be nil, in
// which case questionnaires are kept in memory.
func newService(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*populate.Service, *fhir.InMemoryTerminologyService, error) {
	policy, err := populate.ParseAnswerPolicy(cfg.AnswerPolicy)
	if err != nil {
		return nil, nil, err
	}

	var repo populate.QuestionnaireRepository = populate.NewMemoryRepository()
	if pool != nil {
		repo = populate.NewQuestionnaireRepoPG(pool)
	}

	client := fhirclient.New(fhirclient.WithTimeout(cfg.FetchTimeout), fhirclient.WithLogger(logger))
	terminology := fhir.NewInMemoryTerminologyService()
	var expander fhir.ValueSetExpander = terminology
	if !cfg.LocalTerminology() {
		expander = populate.NewFetchExpander(client, cfg.TerminologyServerURL, nil)
	}

	svc := populate.NewService(repo, client, fhir.NewFHIRPathEngine(), expander, populate.Options{
		FHIRServerURL: cfg.FHIRServerURL,
		AnswerPolicy:  policy,
		MaxDepth:      cfg.MaxTemplateDepth,
	}, logger)
	return svc, terminology, nil
}

// newEcho builds the HTTP server with its middleware chain and routes.
func newEcho(cfg *config.Config, logger zerolog.Logger, svc *populate.Service, terminology fhir.ValueSetExpander, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.MaxBodySize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(pool))

	fhirGroup := e.Group("/fhir")

	capBuilder := fhir.NewCapabilityBuilder(fmt.Sprintf("http://localhost:%s/fhir", cfg.Port), version)
	capBuilder.AddResourceCapability(fhir.ResourceCapabilityDef{
		Type:         "Questionnaire",
		Interactions: []string{"read", "update"},
		Operations: []fhir.OperationCapability{{
			Name:       "populate",
			Definition: "http://hl7.org/fhir/uv/sdc/OperationDefinition/Questionnaire-populate",
		}},
	})
	capBuilder.AddResourceCapability(fhir.ResourceCapabilityDef{
		Type:         "ValueSet",
		Interactions: []string{},
		Operations: []fhir.OperationCapability{{
			Name:       "expand",
			Definition: "http://hl7.org/fhir/OperationDefinition/ValueSet-expand",
		}},
	})
	fhir.NewCapabilityHandler(capBuilder).RegisterRoutes(fhirGroup)

	populate.NewHandler(svc).RegisterRoutes(fhirGroup)
	fhir.NewExpandHandler(terminology).RegisterRoutes(fhirGroup)
	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	var pool *pgxpool.Pool
	if cfg.UsesDatabase() {
		pool, err = db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	} else {
		logger.Info().Msg("DATABASE_URL not set, questionnaires are kept in memory")
	}

	svc, terminology, err := newService(cfg, logger, pool)
	if err != nil {
		return err
	}
	e := newEcho(cfg, logger, svc, terminology, pool)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

type populateOptions struct {
	questionnaire string
	parameters    string
	patient       string
	user          string
	encounter     string
	out           string
}

func runPopulate(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts populateOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := loadRequest(opts)
	if err != nil {
		return err
	}
	svc, _, err := newService(cfg, logger, nil)
	if err != nil {
		return err
	}
	res, err := svc.Populate(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(populate.OutputParameters(res))
}

// loadRequest reads the input Parameters file, or builds input Parameters
// from the questionnaire and launch resources the way an embedding
// application would.
func loadRequest(opts populateOptions) (populate.Request, error) {
	var params map[string]interface{}
	if opts.parameters != "" {
		p, err := readJSONFile(opts.parameters)
		if err != nil {
			return populate.Request{}, err
		}
		params = p
	}

	var q map[string]interface{}
	if opts.questionnaire != "" {
		loaded, err := readJSONFile(opts.questionnaire)
		if err != nil {
			return populate.Request{}, err
		}
		q = loaded
	}

	if params == nil {
		if q == nil {
			return populate.Request{}, fmt.Errorf("--questionnaire or --parameters is required")
		}
		t, err := populate.ParseTemplate(q, 0)
		if err != nil {
			return populate.Request{}, err
		}
		var launch populate.LaunchResources
		for _, f := range []struct {
			path string
			dst  *map[string]interface{}
		}{
			{opts.patient, &launch.Patient},
			{opts.user, &launch.User},
			{opts.encounter, &launch.Encounter},
		} {
			if f.path == "" {
				continue
			}
			if *f.dst, err = readJSONFile(f.path); err != nil {
				return populate.Request{}, err
			}
		}
		if params, err = populate.BuildPopulateParameters(t, launch); err != nil {
			return populate.Request{}, err
		}
	}

	req, err := populate.ParseParameters(params)
	if err != nil {
		return populate.Request{}, err
	}
	if q != nil {
		req.Questionnaire = q
	}
	return req, nil
}

func readJSONFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}
