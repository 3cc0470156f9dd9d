package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/switchyard/internal/scoring"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// APIConfig configures the pay-per-token adapter.
type APIConfig struct {
	// Model is the Claude model to call.
	Model anthropic.Model
	// APIKey defaults to ANTHROPIC_API_KEY.
	APIKey        string
	UseAWSBedrock bool
	AWSRegion     string
	AWSProfile    string
	MaxTokens     int64
	Timeout       time.Duration
	// Pricing prices the reported usage.
	Pricing scoring.Pricing
}

// APIAdapter sends tasks to the Anthropic Messages API.
type APIAdapter struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
	pricing   scoring.Pricing
}

// NewAPIAdapter creates an adapter with either a direct API key or Bedrock
// credentials.
func NewAPIAdapter(cfg APIConfig) (*APIAdapter, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	// Retries belong to the dispatcher.
	opts = append(opts, option.WithMaxRetries(0))

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeHaiku4_5_20251001
	}
	if cfg.UseAWSBedrock {
		model = bedrockModel(model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	pricing := cfg.Pricing
	if pricing == (scoring.Pricing{}) {
		pricing = scoring.DefaultPricing[models.BackendAPI]
	}

	return &APIAdapter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		timeout:   cfg.Timeout,
		pricing:   pricing,
	}, nil
}

// bedrockModel converts a model name to its cross-region inference profile.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

// Backend returns models.BackendAPI.
func (a *APIAdapter) Backend() models.Backend {
	return models.BackendAPI
}

// ExecuteTask sends one message and returns the text reply.
func (a *APIAdapter) ExecuteTask(ctx context.Context, task models.Task) (*models.ExecutionResult, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Prompt(task))),
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}

	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	cost := float64(in)/1_000_000*a.pricing.InputPerMillion + float64(out)/1_000_000*a.pricing.OutputPerMillion

	result := &models.ExecutionResult{
		Backend:  models.BackendAPI,
		Success:  true,
		Duration: time.Since(start),
		Tokens:   int(in + out),
		Cost:     cost,
		Response: text,
	}
	if task.OutputPath != "" {
		if err := os.WriteFile(task.OutputPath, []byte(text), 0644); err != nil {
			return nil, fmt.Errorf("write output: %w", err)
		}
		result.OutputPath = task.OutputPath
	}
	return result, nil
}

// classifyAPIError maps SDK failures onto dispatcher hints.
func classifyAPIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Backend: models.BackendAPI, Kind: KindTimeout, ShouldFallback: true, Err: err}
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &Error{Backend: models.BackendAPI, Kind: KindOther, ShouldFallback: true, Err: err}
	}

	e := &Error{Backend: models.BackendAPI, Kind: KindOther, Err: err}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.ShouldFallback = true
		if apiErr.Response != nil {
			e.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("retry-after"))
		}
	case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
		e.ShouldFallback = true
	case apiErr.StatusCode >= 500:
		e.ShouldFallback = true
	}
	return e
}

// parseRetryAfter reads a delay-seconds Retry-After header value.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
