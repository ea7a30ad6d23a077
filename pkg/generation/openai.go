package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// OpenAIConfig configures an OpenAI or Azure OpenAI provider. Setting
// AzureEndpoint switches to Azure, where Model names the deployment.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	AzureEndpoint   string
	AzureAPIVersion string
	Temperature     float64
	MaxTokens       int
}

// OpenAIProvider implements Provider on the chat completions API.
type OpenAIProvider struct {
	client openai.Client
	name   string
	cfg    OpenAIConfig
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}

	// retries belong to the Pool
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	name := "openai"
	if cfg.AzureEndpoint != "" {
		name = "azure"
		apiVersion := cfg.AzureAPIVersion
		if apiVersion == "" {
			apiVersion = "2024-06-01"
		}
		opts = append(opts, azure.WithEndpoint(cfg.AzureEndpoint, apiVersion), azure.WithAPIKey(cfg.APIKey))
	} else {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
	}

	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		name:   name,
		cfg:    cfg,
	}, nil
}

// Name returns "openai" or "azure".
func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) params(req Request) openai.ChatCompletionNewParams {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.cfg.Temperature
	}
	if temperature > 0 {
		params.Temperature = openai.Float(temperature)
	}

	if req.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

// Generate makes a chat completion call.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Response, error) {
	params := p.params(req)

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, err
	}
	if len(completion.Choices) == 0 {
		return Response{}, fmt.Errorf("no response choices returned")
	}

	return Response{
		Text:         completion.Choices[0].Message.Content,
		Provider:     p.name,
		Model:        completion.Model,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

// Stream opens a streaming chat completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	current string
}

func (s *openAIStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		s.current = chunk.Choices[0].Delta.Content
		return true
	}
	return false
}

func (s *openAIStream) Current() string { return s.current }
func (s *openAIStream) Err() error      { return s.stream.Err() }
func (s *openAIStream) Close() error    { return s.stream.Close() }
