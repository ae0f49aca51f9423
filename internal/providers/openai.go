// Package providers adapts upstream services to the shapes the dispatch gate expects.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/config"
)

const providerOpenAI = "openai"

const translatePrompt = `You translate user-facing text for a government benefits assistant.
The user message is a JSON array of strings. Translate every element into the language with code %q.
Keep numbers, currency amounts, document names and proper nouns intact.
Reply with only a JSON array of the translated strings, same length and order as the input.`

// OpenAI performs translation and speech synthesis. The API key is supplied per call by the
// dispatch gate so credential rotation stays outside the adapter.
type OpenAI struct {
	baseURL        string
	translateModel string
	speechModel    string
	voice          string
}

// NewOpenAI builds the adapter from configuration.
func NewOpenAI(cfg config.OpenAIConfig) *OpenAI {
	return &OpenAI{
		baseURL:        strings.TrimSpace(cfg.BaseURL),
		translateModel: cfg.TranslateModel,
		speechModel:    cfg.SpeechModel,
		voice:          cfg.Voice,
	}
}

func (o *OpenAI) client(apiKey string) openai.Client {
	// Retries belong to the dispatch gate.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if o.baseURL != "" {
		opts = append(opts, option.WithBaseURL(o.baseURL))
	}
	return openai.NewClient(opts...)
}

// Translate translates texts into language and returns them with the total tokens used.
func (o *OpenAI) Translate(ctx context.Context, apiKey string, texts []string, language string) ([]string, int64, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}
	payload, errMarshal := json.Marshal(texts)
	if errMarshal != nil {
		return nil, 0, errMarshal
	}
	client := o.client(apiKey)
	resp, errChat := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.translateModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(translatePrompt, language)),
			openai.UserMessage(string(payload)),
		},
	})
	if errChat != nil {
		return nil, 0, wrapOpenAIError("translate", errChat)
	}
	if len(resp.Choices) == 0 {
		return nil, 0, &apperr.ProviderError{Provider: providerOpenAI, StatusCode: http.StatusBadGateway, Err: errors.New("openai translate: no choices returned")}
	}
	translated, errParse := parseStringArray(resp.Choices[0].Message.Content)
	if errParse != nil || len(translated) != len(texts) {
		if errParse == nil {
			errParse = fmt.Errorf("expected %d strings, got %d", len(texts), len(translated))
		}
		// The tokens were billed; a retry would most likely come back malformed again.
		return nil, resp.Usage.TotalTokens, apperr.E(apperr.KindProviderRejected, "openai.Translate",
			fmt.Errorf("openai translate: malformed reply: %w", errParse))
	}
	return translated, resp.Usage.TotalTokens, nil
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize returns MP3 audio for text.
func (o *OpenAI) Synthesize(ctx context.Context, apiKey string, text string) ([]byte, string, error) {
	body, errMarshal := json.Marshal(speechRequest{Model: o.speechModel, Input: text, Voice: o.voice, ResponseFormat: "mp3"})
	if errMarshal != nil {
		return nil, "", errMarshal
	}
	client := o.client(apiKey)
	var resp *http.Response
	if errPost := client.Post(ctx, "audio/speech", bytes.NewReader(body), &resp,
		option.WithHeader("Content-Type", "application/json")); errPost != nil {
		return nil, "", wrapOpenAIError("speech", errPost)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, "", fmt.Errorf("openai speech: read body: %w", errRead)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return data, contentType, nil
}

func wrapOpenAIError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &apperr.ProviderError{Provider: providerOpenAI, StatusCode: apiErr.StatusCode, Err: fmt.Errorf("openai %s: %w", op, err)}
	}
	return fmt.Errorf("openai %s: %w", op, err)
}

// parseStringArray accepts a bare JSON array, optionally wrapped in a markdown code fence.
func parseStringArray(content string) ([]string, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	}
	var out []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &out); err != nil {
		return nil, err
	}
	return out, nil
}
