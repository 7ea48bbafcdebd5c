package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
)

// OpenAIConfig configures an OpenAI-compatible chat classifier.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIClassifier asks a chat completion model for categories as JSON.
type OpenAIClassifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIClassifier creates the classifier. An API key is required.
func NewOpenAIClassifier(cfg OpenAIConfig) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai classifier: api key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OpenAIClassifier{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: timeout,
	}, nil
}

var knownCategories = []article.CrimeCategory{
	article.CategoryHomicide, article.CategoryKnife, article.CategoryWeapons,
	article.CategoryAssault, article.CategoryRobbery, article.CategoryBurglary,
	article.CategoryTheft, article.CategoryFraud, article.CategoryDrugs,
	article.CategorySexual, article.CategoryArson, article.CategoryVandalism,
	article.CategoryTraffic, article.CategoryMissing, article.CategoryOther,
}

func systemPrompt() string {
	names := make([]string, len(knownCategories))
	for i, c := range knownCategories {
		names[i] = string(c)
	}
	return "You classify German police press releases. Reply with a JSON object " +
		`{"categories": [...], "confidence": <0..1>}` +
		". Use only these categories: " + strings.Join(names, ", ") +
		". An incident may have several categories."
}

// Classify implements External.
func (o *OpenAIClassifier) Classify(ctx context.Context, text string) (Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Answer{}, fmt.Errorf("chat completion: no choices")
	}

	var ans Answer
	content := stripFences(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &ans); err != nil {
		return Answer{}, fmt.Errorf("decode answer: %w", err)
	}
	return ans, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
