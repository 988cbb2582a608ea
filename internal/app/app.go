package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"policy-agent/handler"
	"policy-agent/internal/config"
	"policy-agent/internal/integrations/agent"
	"policy-agent/internal/integrations/paramstore"
	"policy-agent/internal/repository"
	"policy-agent/internal/usecase"
)

// AWSLoader produces the shared AWS configuration. It is only called when a
// configured feature needs AWS.
type AWSLoader func(ctx context.Context) (aws.Config, error)

// DefaultAWSLoader uses the SDK's default credential and region chain.
func DefaultAWSLoader(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// SetupLogging installs a JSON slog handler on stderr as the default logger.
func SetupLogging(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Build wires clients, services and the HTTP handler from cfg.
//
// A credential that cannot be resolved is logged and left empty so the
// process still starts; relay calls then report a configuration error.
func Build(ctx context.Context, cfg config.Config, loadAWS AWSLoader) (*handler.Handler, error) {
	var (
		params   paramstore.Getter
		recorder *repository.Client
	)
	if cfg.NeedsAWS() {
		if loadAWS == nil {
			loadAWS = DefaultAWSLoader
		}
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load AWS config: %w", err)
		}
		if cfg.ParamPrefix != "" {
			ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("app: create SSM client: %w", err)
			}
			params = ps
		}
		if cfg.AuditTable != "" {
			recorder, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.AuditTable, cfg.AuditTTL)
			if err != nil {
				return nil, fmt.Errorf("app: create audit repository: %w", err)
			}
		}
	}

	credential, err := cfg.ResolveCredential(ctx, params)
	if err != nil {
		slog.ErrorContext(ctx, "app: agent credential unavailable", "err", err)
		credential = ""
	}
	if credential == "" {
		slog.WarnContext(ctx, "app: no agent credential configured; relay calls will fail")
	}

	client := agent.NewClient(credential,
		agent.WithChatURL(cfg.AgentChatURL),
		agent.WithTimeout(cfg.AgentTimeout),
		agent.WithPayloadLogging(cfg.LogOutboundPayload),
	)

	var (
		exchangeRecorder usecase.ExchangeRecorder
		opts             []handler.Option
	)
	if recorder != nil {
		exchangeRecorder = recorder
		opts = append(opts, handler.WithExchangeLister(recorder))
	}

	relay, err := usecase.NewRelayService(client, exchangeRecorder, cfg.CoordinatorAgentID)
	if err != nil {
		return nil, fmt.Errorf("app: create relay service: %w", err)
	}
	h, err := handler.NewHandler(relay, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: create handler: %w", err)
	}
	return h, nil
}
