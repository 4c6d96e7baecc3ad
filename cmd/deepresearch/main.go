package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/deepresearch/internal/aggregator"
	"github.com/hyperifyio/deepresearch/internal/audit"
	"github.com/hyperifyio/deepresearch/internal/checklist"
	"github.com/hyperifyio/deepresearch/internal/coordinator"
	"github.com/hyperifyio/deepresearch/internal/critic"
	"github.com/hyperifyio/deepresearch/internal/enrich"
	"github.com/hyperifyio/deepresearch/internal/events"
	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/planner"
	"github.com/hyperifyio/deepresearch/internal/report"
	"github.com/hyperifyio/deepresearch/internal/server"
	"github.com/hyperifyio/deepresearch/internal/source"
	"github.com/hyperifyio/deepresearch/internal/validate"
	"github.com/hyperifyio/deepresearch/internal/writer"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Best-effort .env so local runs pick up API keys without exporting.
	_ = godotenv.Load()

	var (
		query      string
		outputPath string
		configPath string
		serve      bool
		addr       string
		verbose    bool
	)
	flag.StringVar(&query, "query", "", "Research question (one-shot mode)")
	flag.StringVar(&outputPath, "output", "report.md", "Path to write the final Markdown report (one-shot mode)")
	flag.StringVar(&configPath, "config", "", "Optional YAML config file")
	flag.BoolVar(&serve, "serve", false, "Run the HTTP/SSE server instead of a one-shot session")
	flag.StringVar(&addr, "addr", ":8080", "Listen address for -serve")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	fileCfg, err := loadConfigFile(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("load config file")
	}
	applyEnv(&fileCfg)

	if fileCfg.LLM.APIKey == "" {
		log.Warn().Msg("no LLM API key configured; set LLM_API_KEY")
	}

	coord, agg := buildEngine(fileCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serve {
		srv := server.New(coord, agg)
		if err := srv.Serve(ctx, addr); err != nil {
			log.Fatal().Err(err).Msg("server exited")
		}
		return
	}

	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: deepresearch -query \"...\" [-output report.md] | deepresearch -serve")
		os.Exit(2)
	}
	if err := runOnce(ctx, coord, query, outputPath); err != nil {
		log.Fatal().Err(err).Msg("research failed")
	}
}

// buildEngine wires adapters, aggregator, and all workflow dependencies.
func buildEngine(cfg fileConfig) (*coordinator.Coordinator, *aggregator.Aggregator) {
	registry := source.NewRegistry(source.NewOpenAlexAdapter(cfg.Sources.Mailto))
	agg := aggregator.New(aggregator.Config{
		EnabledSources:       cfg.Sources.Enabled,
		SmartSourceSelection: cfg.Sources.SmartSelection,
		MinCitations:         cfg.Sources.MinCitations,
		EnableFallback:       true,
	}, registry)

	client := llm.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	deps := coordinator.Deps{
		Planner: &planner.Planner{
			Client: client, Model: cfg.LLM.Model,
			FallbackModel: cfg.LLM.FallbackModel, LightweightModel: cfg.LLM.LightweightModel,
		},
		Aggregator: agg,
		Enricher:   enrich.New(enrich.Config{}, registry, nil),
		Writer:     &writer.Writer{Client: client, Model: cfg.LLM.Model, FallbackModel: cfg.LLM.FallbackModel},
		Critic:     &critic.Critic{Client: client, Model: cfg.LLM.Model, FallbackModel: cfg.LLM.FallbackModel},
		Auditor:    &audit.Auditor{Client: client, Model: cfg.LLM.Model, FallbackModel: cfg.LLM.FallbackModel},
		Checklist:  &checklist.Builder{Client: client, Model: cfg.LLM.Model, FallbackModel: cfg.LLM.FallbackModel},
		Validator: &validate.Validator{
			Crossref: &validate.HTTPCrossrefClient{Mailto: cfg.Sources.Mailto},
			Client:   client, Model: cfg.LLM.Model, FallbackModel: cfg.LLM.FallbackModel,
		},
		LLM:      client,
		LLMModel: cfg.LLM.Model,
	}
	return coordinator.New(cfg.Workflow, deps), agg
}

// runOnce drives a single session, printing progress and writing the final
// report to disk.
func runOnce(ctx context.Context, coord *coordinator.Coordinator, query, outputPath string) error {
	s := coord.NewSession(query)
	done := make(chan error, 1)
	go func() {
		var runErr error
		for ev := range s.Emitter.Events() {
			switch ev.Type {
			case events.TypeStatus:
				log.Info().Interface("state", ev.Data["state"]).Msg("state")
			case events.TypePapersFound:
				log.Info().Interface("count", ev.Data["count"]).Msg("papers")
			case events.TypeQualityGate:
				log.Info().Interface("decision", ev.Data["decision"]).Interface("reason", ev.Data["reason"]).Msg("quality gate")
			case events.TypeComplete:
				runErr = writeReport(ev.Data, outputPath)
			case events.TypeError:
				runErr = fmt.Errorf("%v", ev.Data["message"])
			}
		}
		done <- runErr
	}()
	coord.Run(ctx, s)
	return <-done
}

func writeReport(data map[string]any, outputPath string) error {
	rep, ok := data["report"].(*report.Report)
	if !ok || rep == nil {
		return fmt.Errorf("complete event carried no report")
	}
	if err := os.WriteFile(outputPath, []byte(rep.Content), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	log.Info().Str("out", outputPath).Int("citations", len(rep.Citations)).Int("iterations", rep.IterationCount).Msg("wrote report")
	return nil
}
