package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"happy-transformer-go/happy"
)

// StatusError is returned when the transformers server answers with a
// non-2xx status.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d for %s: %s", e.StatusCode, e.Path, e.Body)
}

// ServerInfo is the model description served at /info.
type ServerInfo struct {
	ModelType   string `json:"model_type"`
	VocabSize   int    `json:"vocab_size"`
	EOSTokenID  int    `json:"eos_token_id"`
	MaskToken   string `json:"mask_token"`
	MaskTokenID int    `json:"mask_token_id"`
}

// Client talks JSON to a Python transformers server.
type Client struct {
	serverURL string
	client    *http.Client
	hubToken  string
	logger    *slog.Logger
}

// ClientOption is a functional option for Client
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.client = hc
	}
}

// WithClientHubToken sets the token forwarded on hub uploads
func WithClientHubToken(token string) ClientOption {
	return func(c *Client) {
		c.hubToken = token
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the server at serverURL.
func NewClient(serverURL string, opts ...ClientOption) *Client {
	c := &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Minute},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Info fetches the model description.
func (c *Client) Info(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	if err := c.do(ctx, http.MethodGet, "/info", nil, &info); err != nil {
		return ServerInfo{}, fmt.Errorf("failed to connect to server: %w", err)
	}
	return info, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// HTTPModelRunner implements the happy runner interfaces by delegating to
// a transformers server. The server runs generate and fill-mask itself,
// so the local decoder is only used through Logits when asked directly.
type HTTPModelRunner struct {
	client *Client
	info   ServerInfo
}

// NewHTTPModelRunner connects to the server and reads its model info.
func NewHTTPModelRunner(ctx context.Context, client *Client) (*HTTPModelRunner, error) {
	info, err := client.Info(ctx)
	if err != nil {
		return nil, err
	}
	client.logger.Info("connected to model server",
		"url", client.serverURL, "model_type", info.ModelType, "vocab", info.VocabSize)
	return &HTTPModelRunner{client: client, info: info}, nil
}

// Info returns the model description read at connect time.
func (m *HTTPModelRunner) Info() ServerInfo {
	return m.info
}

// Logits returns next-token logits for each sequence.
func (m *HTTPModelRunner) Logits(ctx context.Context, batch [][]int) ([][]float32, error) {
	req := struct {
		Sequences [][]int `json:"sequences"`
	}{Sequences: batch}
	var resp struct {
		Logits [][]float32 `json:"logits"`
	}
	if err := m.client.post(ctx, "/logits", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Logits) != len(batch) {
		return nil, fmt.Errorf("server returned %d logit rows for %d sequences", len(resp.Logits), len(batch))
	}
	return resp.Logits, nil
}

// MaskLogits returns logits for every position of tokenIDs.
func (m *HTTPModelRunner) MaskLogits(ctx context.Context, tokenIDs []int) ([][]float32, error) {
	req := struct {
		TokenIDs []int `json:"token_ids"`
	}{TokenIDs: tokenIDs}
	var resp struct {
		Logits [][]float32 `json:"logits"`
	}
	if err := m.client.post(ctx, "/mask_logits", req, &resp); err != nil {
		return nil, err
	}
	return resp.Logits, nil
}

// GenerateText runs generation on the server with resolved settings.
func (m *HTTPModelRunner) GenerateText(ctx context.Context, prompt string, settings happy.Settings, minLength, maxLength int) (string, error) {
	req := struct {
		Text      string         `json:"text"`
		Settings  happy.Settings `json:"settings"`
		MinLength int            `json:"min_length"`
		MaxLength int            `json:"max_length"`
	}{prompt, settings, minLength, maxLength}
	var resp struct {
		Text string `json:"text"`
	}
	if err := m.client.post(ctx, "/generate", req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// FillMask runs mask filling on the server.
func (m *HTTPModelRunner) FillMask(ctx context.Context, text string, targets []string, topK int) ([]happy.WordPredictionResult, error) {
	req := struct {
		Text    string   `json:"text"`
		Targets []string `json:"targets,omitempty"`
		TopK    int      `json:"top_k"`
	}{text, targets, topK}
	var resp struct {
		Results []happy.WordPredictionResult `json:"results"`
	}
	if err := m.client.post(ctx, "/fill_mask", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Save asks the server to write the model and tokenizer to path.
func (m *HTTPModelRunner) Save(ctx context.Context, path string) error {
	req := struct {
		Path string `json:"path"`
	}{path}
	return m.client.post(ctx, "/save", req, nil)
}

// PushToHub asks the server to upload the model.
func (m *HTTPModelRunner) PushToHub(ctx context.Context, repoName string, private bool) error {
	req := struct {
		RepoName string `json:"repo_name"`
		Private  bool   `json:"private"`
		Token    string `json:"token,omitempty"`
	}{repoName, private, m.client.hubToken}
	return m.client.post(ctx, "/push_to_hub", req, nil)
}

// Close cleans up resources
func (m *HTTPModelRunner) Close() error {
	m.client.client.CloseIdleConnections()
	return nil
}

// HTTPTokenizer implements Tokenizer using HTTP calls
type HTTPTokenizer struct {
	client *Client
	info   ServerInfo
}

// NewHTTPTokenizer creates a tokenizer backed by the server's tokenizer.
func NewHTTPTokenizer(client *Client, info ServerInfo) *HTTPTokenizer {
	return &HTTPTokenizer{client: client, info: info}
}

// Encode converts text to token IDs via HTTP
func (t *HTTPTokenizer) Encode(text string) ([]int, error) {
	req := struct {
		Text string `json:"text"`
	}{text}
	var resp struct {
		Tokens []int `json:"tokens"`
	}
	if err := t.client.post(context.Background(), "/tokenize", req, &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

// Decode converts token IDs to text via HTTP
func (t *HTTPTokenizer) Decode(tokenIDs []int) (string, error) {
	req := struct {
		Tokens []int `json:"tokens"`
	}{tokenIDs}
	var resp struct {
		Text string `json:"text"`
	}
	if err := t.client.post(context.Background(), "/detokenize", req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// EOSTokenID returns the EOS token ID
func (t *HTTPTokenizer) EOSTokenID() int {
	return t.info.EOSTokenID
}

// MaskToken returns the server's mask token, or "" for causal models.
func (t *HTTPTokenizer) MaskToken() string {
	return t.info.MaskToken
}

// MaskTokenID returns the mask token ID
func (t *HTTPTokenizer) MaskTokenID() int {
	return t.info.MaskTokenID
}

// VocabSize returns the vocabulary size
func (t *HTTPTokenizer) VocabSize() int {
	return t.info.VocabSize
}

// HTTPTrainer forwards prepared datasets to the server's training loop.
type HTTPTrainer struct {
	client *Client
}

// NewHTTPTrainer creates a trainer that posts jobs to the server.
func NewHTTPTrainer(client *Client) *HTTPTrainer {
	return &HTTPTrainer{client: client}
}

// Train posts a training job and waits for it to finish.
func (t *HTTPTrainer) Train(ctx context.Context, job happy.TrainJob) error {
	t.client.logger.InfoContext(ctx, "submitting training job",
		"task", job.Task, "train", job.Train.Len(), "eval", job.Eval.Len())
	return t.client.post(ctx, "/train", job, nil)
}

// Evaluate posts an evaluation job and returns its loss.
func (t *HTTPTrainer) Evaluate(ctx context.Context, job happy.EvalJob) (happy.EvalResult, error) {
	var result happy.EvalResult
	if err := t.client.post(ctx, "/eval", job, &result); err != nil {
		return happy.EvalResult{}, err
	}
	return result, nil
}
