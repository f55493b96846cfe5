package advice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LLMClient talks to any OpenAI-compatible chat completions endpoint.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewLLMClient(baseURL, apiKey, model string, timeout time.Duration) *LLMClient {
	return &LLMClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You review destructive SQL statements before a human approves them. " +
	"Reply with a single JSON object and nothing else."

func (c *LLMClient) Recommend(ctx context.Context, in Input) (Recommendation, error) {
	resp, err := c.makeRequest(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(in)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return Recommendation{}, err
	}
	if len(resp.Choices) == 0 {
		return Recommendation{}, fmt.Errorf("llm returned no choices")
	}
	return parseRecommendation(resp.Choices[0].Message.Content)
}

func (c *LLMClient) makeRequest(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("llm API error %d: %s", httpResp.StatusCode, string(msg))
	}

	var out chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func buildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this %s SQL statement and provide safety recommendations.\n\n", in.Statement.Kind)
	fmt.Fprintf(&b, "Statement: %s\n", in.Statement.SQL)
	fmt.Fprintf(&b, "Tables: %s\n", strings.Join(in.Statement.Tables, ", "))
	fmt.Fprintf(&b, "Risk level: %s (score %d)\n", in.Assessment.Level, in.Assessment.Score)
	fmt.Fprintf(&b, "Estimated rows: %d (%s, %s confidence)\n", in.Estimate.EstimatedRows, in.Estimate.Method, in.Estimate.Confidence)
	if len(in.Assessment.Factors) > 0 {
		fmt.Fprintf(&b, "Risk factors:\n")
		for _, f := range in.Assessment.Factors {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString(`
Respond in JSON:
{
  "safety_checks": ["check1", "check2"],
  "rollback_strategy": "strategy description",
  "testing_recommendations": ["test1", "test2"],
  "approval_justification": "why approval is needed"
}`)
	return b.String()
}

// parseRecommendation accepts the model reply with or without a markdown
// code fence around the JSON.
func parseRecommendation(content string) (Recommendation, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var rec Recommendation
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &rec); err != nil {
		return Recommendation{}, fmt.Errorf("parse recommendation: %w", err)
	}
	if len(rec.SafetyChecks) == 0 && rec.ApprovalJustification == "" {
		return Recommendation{}, fmt.Errorf("parse recommendation: empty reply")
	}
	return rec, nil
}
