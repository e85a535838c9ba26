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

	"line-agent-relay/handler"
	"line-agent-relay/internal/integrations/agent"
	"line-agent-relay/internal/integrations/line"
	"line-agent-relay/internal/integrations/paramstore"
	"line-agent-relay/internal/repository"
	"line-agent-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	agentBaseURL := mustEnv("AGENT_BASE_URL")
	maxHistory := envInt("MAX_HISTORY", 20)
	historyTTL := envInt("HISTORY_TTL_SECONDS", 3600)
	maxTokens := envInt("AGENT_MAX_TOKENS", 1024)
	systemPrompt := os.Getenv("AGENT_SYSTEM_PROMPT")

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
	historyStore, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable, maxHistory, time.Duration(historyTTL)*time.Second)
	if err != nil {
		slog.Error("failed to create history store", "err", err)
		os.Exit(1)
	}
	agentClient, err := agent.NewClient(ssmClient, paramPrefix, agentBaseURL,
		agent.WithSystemPrompt(systemPrompt),
		agent.WithMaxTokens(maxTokens),
	)
	if err != nil {
		slog.Error("failed to create agent client", "err", err)
		os.Exit(1)
	}
	replyClient, err := line.NewReplyClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create reply client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	relayService, err := usecase.NewRelayService(historyStore, agentClient, replyClient)
	if err != nil {
		slog.Error("failed to create relay service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(relayService, ssmClient, paramPrefix)
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
