package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmdwarden/internal/approval"
	"cmdwarden/internal/audit"
	"cmdwarden/internal/bus"
	"cmdwarden/internal/config"
	"cmdwarden/internal/evaluate"
	"cmdwarden/internal/gitinfo"
	"cmdwarden/internal/rules"
	"cmdwarden/internal/server"
)

func serveCmd(v *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the approval daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v)
		},
	}
	command.Flags().String("eval-socket", "", "evaluation socket path")
	command.Flags().String("events-socket", "", "event stream socket path")
	command.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("eval_socket", command.Flags().Lookup("eval-socket"))
	_ = v.BindPFlag("events_socket", command.Flags().Lookup("events-socket"))
	_ = v.BindPFlag("log_level", command.Flags().Lookup("log-level"))
	return command
}

func runServe(v *viper.Viper) error {
	cfg, configErr := config.Load(v)
	if configErr != nil {
		return configErr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))

	lock, lockErr := acquireDaemonLock(cfg.LockPath)
	if lockErr != nil {
		return lockErr
	}
	defer lock.release()

	if pidErr := os.WriteFile(cfg.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0o600); pidErr != nil {
		return fmt.Errorf("write pid file failed: %w", pidErr)
	}
	defer os.Remove(cfg.PIDPath)

	auditLog, auditErr := audit.Open(cfg.AuditPath)
	if auditErr != nil {
		return auditErr
	}
	defer auditLog.Close()

	store := rules.NewStore([]rules.Source{
		{Path: cfg.DefaultRules, Scope: rules.ScopeDefault},
		{Path: cfg.GlobalRules, Scope: rules.ScopeGlobal},
	}, cfg.LocalRulesName, logger)

	events := bus.New(cfg.EventBuffer, logger)
	approvals := approval.NewManager(cfg.ApprovalTimeout, approval.NewSessionMemory(), events, auditLog, logger)
	evaluator := evaluate.New(store, logger)
	gitFacts := gitinfo.NewCache(cfg.GitFactsTTL)

	daemon := server.New(server.Options{
		EvalSocket:   cfg.EvalSocket,
		EventsSocket: cfg.EventsSocket,
		Evaluator:    evaluator,
		Approvals:    approvals,
		Events:       events,
		Audit:        auditLog,
		GitFacts:     gitFacts,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveErr := daemon.ListenAndServe(ctx); serveErr != nil {
		logger.Error("cmdwardend failed to start", "error", serveErr)
		return serveErr
	}
	logger.Info("cmdwardend stopped")
	return nil
}
