package prediction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hitoshi/safetrack/internal/model"
)

const (
	// maxPromptSamples はプロンプトに含める直近サンプルの最大数。
	maxPromptSamples = 20
	// maxPredictedPoints は採用する予測点の最大数。
	maxPredictedPoints = 10
)

const systemPrompt = `You predict the short-term path of a person who stopped sharing their location.
Given their most recent GPS samples in chronological order, return the most likely next positions.
Respond with JSON only, in the form:
{"predicted":[{"latitude":<number>,"longitude":<number>,"offsetSeconds":<seconds after the last sample>,"placeName":"<optional>"}]}
Return between 1 and 10 points ordered by offsetSeconds.`

// OpenAIForecaster はOpenAI互換のChat Completions APIで経路を予測するForecaster。
// BaseURLを変えることで、GeminiのOpenAI互換エンドポイントなども利用できる。
type OpenAIForecaster struct {
	client *openai.Client
	model  string
}

// NewOpenAIForecaster はOpenAIForecasterを生成する。baseURLが空の場合はOpenAIの既定エンドポイントを使用する。
func NewOpenAIForecaster(apiKey, baseURL, modelName string, httpClient *http.Client) *OpenAIForecaster {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIForecaster{
		client: openai.NewClientWithConfig(cfg),
		model:  modelName,
	}
}

type promptSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	PlaceName string    `json:"placeName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type forecastResponse struct {
	Predicted []struct {
		Latitude      *float64 `json:"latitude"`
		Longitude     *float64 `json:"longitude"`
		OffsetSeconds float64  `json:"offsetSeconds"`
		PlaceName     string   `json:"placeName"`
	} `json:"predicted"`
}

// Forecast は直近のサンプルをプロンプトに含めて予測を要求し、応答を位置サンプル列に変換する。
func (f *OpenAIForecaster) Forecast(ctx context.Context, samples []model.LocationSample) ([]model.LocationSample, error) {
	recent := samples
	if len(recent) > maxPromptSamples {
		recent = recent[len(recent)-maxPromptSamples:]
	}
	basis := make([]promptSample, 0, len(recent))
	for _, s := range recent {
		basis = append(basis, promptSample{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			PlaceName: s.PlaceName,
			Timestamp: s.Timestamp.UTC(),
		})
	}
	payload, err := json.Marshal(map[string]any{"samples": basis})
	if err != nil {
		return nil, fmt.Errorf("failed to encode samples: %w", err)
	}

	resp, err := f.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: f.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewBadResponseError("no choices returned")
	}

	return parseForecast(resp.Choices[0].Message.Content, samples[len(samples)-1].Timestamp)
}

// parseForecast はモデルの応答本文を解釈する。コードフェンスで囲まれていても受け付ける。
func parseForecast(content string, last time.Time) ([]model.LocationSample, error) {
	body := strings.TrimSpace(content)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	var parsed forecastResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, NewBadResponseError("invalid JSON: %v", err)
	}

	points := parsed.Predicted
	if len(points) > maxPredictedPoints {
		points = points[:maxPredictedPoints]
	}

	out := make([]model.LocationSample, 0, len(points))
	for i, p := range points {
		if p.Latitude == nil || p.Longitude == nil {
			return nil, NewBadResponseError("missing coordinate at %d", i)
		}
		offset := time.Duration(p.OffsetSeconds * float64(time.Second))
		if offset <= 0 {
			offset = time.Duration(i+1) * time.Minute
		}
		out = append(out, model.LocationSample{
			Latitude:  *p.Latitude,
			Longitude: *p.Longitude,
			PlaceName: p.PlaceName,
			Timestamp: last.Add(offset),
		})
	}
	return out, nil
}
