package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ragctx "github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/orchestrator"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func RootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "ragctx",
		Short:         "Retrieval orchestrator that assembles RAG context for LLM prompts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file (RAGCTX_* environment variables override it)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		serveCmd(&g),
		queryCmd(&g),
		configCmd(&g),
	)
	return root
}

func (g *globalFlags) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	log, err := logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		transport   string
		addr        string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the retrieval tools over MCP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := ragctx.NewClient(ctx, cfg, ragctx.WithLogger(log))
			if err != nil {
				return err
			}
			defer client.Close()

			if metricsAddr != "" {
				srv := metricsServer(metricsAddr)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics server stopped", zap.Error(err))
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
				log.Info("serving metrics", zap.String("addr", metricsAddr))
			}

			s := ragctx.NewServer(client)
			switch transport {
			case "stdio":
				log.Info("serving MCP over stdio")
				return server.ServeStdio(s)
			case "http":
				hs := server.NewStreamableHTTPServer(s)
				errc := make(chan error, 1)
				go func() { errc <- hs.Start(addr) }()
				log.Info("serving MCP over streamable HTTP", zap.String("addr", addr))
				select {
				case err := <-errc:
					return err
				case <-ctx.Done():
					sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return hs.Shutdown(sctx)
				}
			}
			return fmt.Errorf("unknown transport %q", transport)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "stdio or http")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address for the http transport")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func metricsServer(addr string) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.Collectors()...)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func queryCmd(g *globalFlags) *cobra.Command {
	var (
		userID  string
		topicID string
		docs    []string
		web     bool
		style   string
		scores  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run one retrieval and print the formatted context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client, err := ragctx.NewClient(ctx, cfg, ragctx.WithLogger(log))
			if err != nil {
				return err
			}
			defer client.Close()

			opts := client.Defaults()
			opts.UserID, opts.TopicID, opts.DocumentIDs = userID, topicID, docs
			if cmd.Flags().Changed("web") {
				opts.EnableWeb = web
			}
			rc, err := client.Retrieve(ctx, strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			return printContext(cmd.OutOrStdout(), rc, orchestrator.FormatOptions{Style: style, IncludeScores: scores, IncludeMetadata: true})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user scope")
	cmd.Flags().StringVar(&topicID, "topic", "", "topic scope")
	cmd.Flags().StringSliceVar(&docs, "doc", nil, "document scope, repeatable")
	cmd.Flags().BoolVar(&web, "web", true, "include web search")
	cmd.Flags().StringVar(&style, "style", orchestrator.StyleMarkdown, "markdown or xml")
	cmd.Flags().BoolVar(&scores, "scores", false, "print scores")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func configCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			b, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}
