package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// DefaultBaseURL is the OpenRouter chat-completions endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1/chat/completions"

// ---------------------------------------------------------------------------
// Wire schema
// ---------------------------------------------------------------------------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client issues batch translation calls against an OpenAI-compatible
// chat-completions endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	referer     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// NewClient builds a client with the given credentials and model settings.
func NewClient(baseURL, apiKey, referer, model string, temperature float64, maxTokens int, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		referer:     referer,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// buildPrompt numbers the source texts and instructs the model to answer
// with a bare JSON array in the same order.
func buildPrompt(texts []string) string {
	var b strings.Builder
	b.WriteString("You are a professional Portuguese to English translator specializing in informal conversations and Brazilian slang.\n\n")
	b.WriteString("Translate the following Portuguese texts to English. Preserve the meaning, context, tone, and any slang or colloquialisms. Return translations as a JSON array in the same order.\n\n")
	b.WriteString("Portuguese texts:\n")
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	b.WriteString("\nReturn ONLY a JSON array of English translations, nothing else. Example: [\"translation 1\", \"translation 2\", ...]")
	return b.String()
}

// completeBatch performs one translation attempt for a batch of texts.
// The returned slice is 1:1 with texts; any validation failure is an error.
func (c *Client) completeBatch(ctx context.Context, texts []string) ([]string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: buildPrompt(texts)}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}
	if cr.Error != nil {
		return nil, fmt.Errorf("API error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices: %s", truncate(string(body), 300))
	}

	return parseTranslations(cr.Choices[0].Message.Content, len(texts))
}

// ---------------------------------------------------------------------------
// Response content parsing
// ---------------------------------------------------------------------------

var markdownCodeBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseTranslations extracts a JSON array of strings from the model output.
// Models sometimes wrap the array in a fenced code block or surround it
// with prose; both are stripped before parsing. The array length must
// equal expected; a shorter or longer array is a failure, never silently
// truncated or padded.
func parseTranslations(content string, expected int) ([]string, error) {
	content = strings.TrimSpace(content)

	if m := markdownCodeBlock.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	}

	startIdx := strings.Index(content, "[")
	endIdx := strings.LastIndex(content, "]")
	if startIdx >= 0 && endIdx > startIdx {
		content = content[startIdx : endIdx+1]
	}

	var translations []string
	if err := json.Unmarshal([]byte(content), &translations); err != nil {
		// Models occasionally break the array across raw newlines.
		flattened := strings.ReplaceAll(strings.ReplaceAll(content, "\n", " "), "\r", "")
		if err2 := json.Unmarshal([]byte(flattened), &translations); err2 != nil {
			return nil, fmt.Errorf("failed to parse translation response as JSON array: %w\nResponse: %s", err, truncate(content, 300))
		}
	}

	if len(translations) != expected {
		return nil, fmt.Errorf("expected %d translations, got %d", expected, len(translations))
	}

	return translations, nil
}

// ---------------------------------------------------------------------------
// Retry controller
// ---------------------------------------------------------------------------

// Outcome is the result of one batch call after retries.
type Outcome struct {
	Translations []string
	Attempts     int
	Degraded     bool
	Err          error // last failure when degraded
}

// translateWithRetry wraps completeBatch with bounded exponential backoff.
// After maxRetries total failed attempts it degrades: the source texts are
// returned as their own "translations" so the run always makes forward
// progress. Only context cancellation is surfaced as an error.
func (c *Client) translateWithRetry(ctx context.Context, texts []string, maxRetries int) (Outcome, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		translations, err := c.completeBatch(ctx, texts)
		if err == nil {
			return Outcome{Translations: translations, Attempts: attempt + 1}, nil
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		lastErr = err

		if attempt < maxRetries-1 {
			wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	// Retries exhausted: identity fallback for the whole batch.
	fallback := make([]string, len(texts))
	copy(fallback, texts)
	return Outcome{Translations: fallback, Attempts: maxRetries, Degraded: true, Err: lastErr}, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
