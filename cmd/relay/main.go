package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"pocketchat/handler"
	"pocketchat/internal/integrations/llamaserver"
	"pocketchat/internal/integrations/paramstore"
	"pocketchat/internal/modelconfig"
	"pocketchat/internal/observability"
	"pocketchat/internal/repository"
	"pocketchat/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	engineURL := mustEnv("ENGINE_URL")
	flushInterval := time.Duration(envInt("FLUSH_INTERVAL_MS", 150)) * time.Millisecond
	stopMargin := time.Duration(envInt("STOP_MARGIN_MS", 2000)) * time.Millisecond
	engineKeyParam := os.Getenv("ENGINE_KEY_PARAM")

	logger := observability.NewJSONLogger(os.Stdout, os.Getenv("LOG_LEVEL"))
	observability.SetLogger(logger)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	models, err := modelconfig.NewSSMSource(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create model source", "err", err)
		os.Exit(1)
	}

	var engineOpts []llamaserver.Option
	if engineKeyParam != "" {
		engineOpts = append(engineOpts, llamaserver.WithAPIKeyParameter(ssmClient, engineKeyParam))
	}
	engine, err := llamaserver.NewClient(engineURL, engineOpts...)
	if err != nil {
		slog.Error("failed to create engine client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	sessions := func(sessionID string) (usecase.SessionStore, error) {
		return stateClient.Session(sessionID)
	}
	relay, err := usecase.NewRelayService(sessions, engine, models, usecase.RelayOptions{
		FlushInterval: flushInterval,
		StopMargin:    stopMargin,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("failed to create relay service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(relay)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
