package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dshills/carecall/internal/analysis"
	"github.com/dshills/carecall/internal/api"
	"github.com/dshills/carecall/internal/config"
	"github.com/dshills/carecall/internal/events"
	"github.com/dshills/carecall/internal/logger"
	"github.com/dshills/carecall/internal/pipeline"
	"github.com/dshills/carecall/internal/policy"
	"github.com/dshills/carecall/internal/render"
	"github.com/dshills/carecall/internal/schema"
	"github.com/dshills/carecall/internal/service"
	"github.com/dshills/carecall/internal/session"
)

// Exit codes.
const (
	exitCodeError    = 1
	exitCodeBadInput = 3
	exitCodeFallback = 4 // --strict and the model was not used
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := &cobra.Command{
		Use:           "carecall",
		Short:         "Care-call transcript analysis, incident reports and notification emails",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newAnalyzeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitCodeError)
	}
}

// loadDeps reads the policy and template files named by cfg, falling back
// to the embedded defaults.
func loadDeps(cfg config.Config, log *logger.Logger) (pipeline.Deps, error) {
	pol, polFallback, err := policy.Load(cfg.PoliciesPath)
	if err != nil {
		return pipeline.Deps{}, &exitError{code: exitCodeBadInput, err: err}
	}
	if polFallback {
		log.Info("using embedded policies", "path", cfg.PoliciesPath)
	}
	tmpl, tmplFallback, err := schema.LoadReportSchema(cfg.TemplatePath)
	if err != nil {
		return pipeline.Deps{}, &exitError{code: exitCodeBadInput, err: err}
	}
	if tmplFallback {
		log.Info("using embedded report template", "path", cfg.TemplatePath)
	}
	return pipeline.Deps{
		Policy:       pol,
		ReportSchema: tmpl,
		Recipients:   cfg.Recipients(),
		Analysis:     analysis.Options{RequireName: cfg.RequireName},
		Log:          log,
	}, nil
}

type serveFlags struct {
	port     int
	provider string
	policies string
	template string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, f)
		},
	}
	cmd.Flags().IntVar(&f.port, "port", 0, "listen port (default $CARECALL_PORT or 8080)")
	cmd.Flags().StringVar(&f.provider, "provider", "", "active AI provider: openai, claude or gemini")
	cmd.Flags().StringVar(&f.policies, "policies", "", "policy text file")
	cmd.Flags().StringVar(&f.template, "template", "", "incident report template JSON")
	return cmd
}

func runServe(ctx context.Context, f serveFlags) error {
	cfg := config.Load()
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.provider != "" {
		cfg.Provider = f.provider
	}
	if f.policies != "" {
		cfg.PoliciesPath = f.policies
	}
	if f.template != "" {
		cfg.TemplatePath = f.template
	}

	log, err := logger.New(cfg.LogMode, cfg.LogSalt)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	deps, err := loadDeps(cfg, log)
	if err != nil {
		return err
	}
	pub, err := events.Open(ctx, cfg.Events(), log)
	if err != nil {
		return err
	}
	defer pub.Close()

	svc, err := service.New(cfg.Settings(), deps, session.NewStore(), pub)
	if err != nil {
		return err
	}
	st := svc.ProviderStatus()
	log.Info("carecall starting", "provider", st.ActiveProvider, "available", st.AvailableProviders, "event_bus", cfg.EventBus)
	return api.NewServer(svc, api.Options{Port: cfg.Port, CORSOrigins: cfg.CORSOrigins}, log).Start(ctx)
}

type analyzeFlags struct {
	file     string
	format   string
	out      string
	provider string
	policies string
	template string
	strict   bool
	verbose  bool
}

func newAnalyzeCmd() *cobra.Command {
	var f analyzeFlags
	cmd := &cobra.Command{
		Use:   "analyze <transcript-file>",
		Short: "Analyze one transcript and print the analysis, report and email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.file = args[0]
			return runAnalyze(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.format, "format", "json", "output format: json or markdown")
	cmd.Flags().StringVar(&f.out, "out", "", "write output to this file instead of stdout")
	cmd.Flags().StringVar(&f.provider, "provider", "", "active AI provider: openai, claude or gemini")
	cmd.Flags().StringVar(&f.policies, "policies", "", "policy text file")
	cmd.Flags().StringVar(&f.template, "template", "", "incident report template JSON")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "exit 4 when the rule-based fallback produced the analysis")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log pipeline progress to stderr")
	return cmd
}

func runAnalyze(ctx context.Context, f analyzeFlags, stdout io.Writer) error {
	if f.format != "json" && f.format != "markdown" {
		return &exitError{code: exitCodeBadInput, err: fmt.Errorf("unknown format %q", f.format)}
	}
	transcript, err := os.ReadFile(f.file)
	if err != nil {
		return &exitError{code: exitCodeBadInput, err: fmt.Errorf("read transcript: %w", err)}
	}

	cfg := config.Load()
	if f.provider != "" {
		cfg.Provider = f.provider
	}
	if f.policies != "" {
		cfg.PoliciesPath = f.policies
	}
	if f.template != "" {
		cfg.TemplatePath = f.template
	}
	log := logger.Nop()
	if f.verbose {
		if log, err = logger.New(cfg.LogMode, cfg.LogSalt); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer log.Sync()
	}

	deps, err := loadDeps(cfg, log)
	if err != nil {
		return err
	}
	svc, err := service.New(cfg.Settings(), deps, session.NewStore(), events.Nop{})
	if err != nil {
		return err
	}
	res, err := svc.Analyze(ctx, string(transcript), uuid.NewString())
	if err != nil {
		return &exitError{code: exitCodeBadInput, err: err}
	}

	var output []byte
	switch f.format {
	case "markdown":
		output = []byte(render.RenderMarkdown(&res, svc.Pipeline().ReportSchema()))
	default:
		if output, err = render.RenderJSON(&res); err != nil {
			return err
		}
		output = append(output, '\n')
	}

	if f.out != "" {
		if err := os.WriteFile(f.out, output, 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	} else if _, err := stdout.Write(output); err != nil {
		return err
	}

	if f.strict && res.AnalysisTier == schema.TierFallback {
		return &exitError{code: exitCodeFallback, err: fmt.Errorf("analysis fell back to rule-based extraction")}
	}
	return nil
}
