package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"dealerflow_backend/platform/config"
)

const classifierSystemPrompt = `You classify a car buyer's email message into intents.
Respond with a JSON array of intent labels only, chosen from:
test_drive, financing, trade_in, pricing, availability, appointment, complaint, unsubscribe.
Respond with [] when none apply.`

// OpenAIClassifier calls an OpenAI-compatible chat-completions endpoint to
// extract intents.
type OpenAIClassifier struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewOpenAIClassifier(cfg config.ClassifierConfig) *OpenAIClassifier {
	baseURL := cfg.GetClassifierBaseURL()
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.GetClassifierModel()
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClassifier{
		apiKey:  cfg.GetClassifierAPIKey(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: cfg.GetClassifierTimeout()},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClassifier) Classify(ctx context.Context, messageText string) ([]string, error) {
	payload := map[string]interface{}{
		"model": c.model,
		"messages": []chatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: messageText},
		},
		"temperature": 0,
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("classifier response unparseable: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("classifier error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("classifier returned no choices")
	}

	return parseIntents(parsed.Choices[0].Message.Content)
}

// parseIntents extracts the JSON array from the model output, tolerating
// surrounding prose or code fences.
func parseIntents(content string) ([]string, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("classifier output has no intent array: %q", content)
	}

	var intents []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &intents); err != nil {
		return nil, fmt.Errorf("classifier output unparseable: %w", err)
	}

	cleaned := make([]string, 0, len(intents))
	for _, intent := range intents {
		intent = strings.ToLower(strings.TrimSpace(intent))
		if intent != "" {
			cleaned = append(cleaned, intent)
		}
	}
	return cleaned, nil
}

var _ Classifier = (*OpenAIClassifier)(nil)
