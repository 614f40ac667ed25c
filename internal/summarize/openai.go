// Package summarize generates insight text for parsed uploads with an
// OpenAI-compatible chat completions API.
package summarize

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"sheetvault/internal/config"
	"sheetvault/internal/sv"
)

const (
	defaultTimeout = 60 * time.Second
	defaultMaxRows = 50
	maxErrorBody   = 2048
)

const systemPrompt = "You are a data analyst. Given a table from an uploaded spreadsheet, " +
	"write a short plain-text summary of what it contains and the most notable patterns or outliers."

// ErrEmptyCompletion is returned when the API answers without any text.
var ErrEmptyCompletion = errors.New("summarizer returned no text")

// APIError is a non-2xx answer from the completions endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat completions returned %d: %s", e.StatusCode, e.Body)
}

// Client implements sv.Summarizer.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	maxRows    int
	httpClient *http.Client
}

var _ sv.Summarizer = (*Client)(nil)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Model      string
	APIKey     string
	MaxRows    int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// New creates a client for the chat completions endpoint under BaseURL.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = defaultMaxRows
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		apiKey:     opts.APIKey,
		maxRows:    opts.MaxRows,
		httpClient: httpClient,
	}
}

// NewFromConfig builds a Client, or returns nil for type "none".
func NewFromConfig(cfg config.SummarizerConfig) (*Client, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "openai":
		timeout, err := config.ParseDuration(cfg.Timeout, defaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("summarizer timeout: %w", err)
		}
		var apiKey string
		if cfg.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.APIKeyEnv)
		}
		return New(Options{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  apiKey,
			MaxRows: cfg.MaxRows,
			Timeout: timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown summarizer type: %q", cfg.Type)
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
	Stream      bool          `json:"stream"`
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

// Summarize sends the columns and the first rows as CSV and returns the
// model's answer.
func (c *Client) Summarize(ctx context.Context, columns []string, rows []sv.Row) (string, error) {
	table, err := renderTable(columns, rows, c.maxRows)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Table (%d of %d rows shown):\n%s", min(len(rows), c.maxRows), len(rows), table)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling chat completions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("chat completions error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// renderTable writes the header and up to maxRows rows as CSV.
func renderTable(columns []string, rows []sv.Row, maxRows int) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return "", err
	}
	record := make([]string, len(columns))
	for i, row := range rows {
		if i >= maxRows {
			break
		}
		for j, col := range columns {
			record[j] = row[col]
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}
