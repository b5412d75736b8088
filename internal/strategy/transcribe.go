package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/nugget/switchyard/internal/attach"
	"github.com/nugget/switchyard/internal/httpkit"
)

// Transcriber turns one audio or video file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, f attach.File) (string, error)
}

// OpenAITranscriber calls an OpenAI-compatible /audio/transcriptions
// endpoint.
type OpenAITranscriber struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAITranscriber creates a transcriber. model defaults to
// "whisper-1".
func NewOpenAITranscriber(baseURL, apiKey, model string, logger *slog.Logger) *OpenAITranscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAITranscriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5*time.Minute), httpkit.WithLogger(logger)),
		logger:     logger.With("component", "transcribe"),
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe implements [Transcriber].
func (t *OpenAITranscriber) Transcribe(ctx context.Context, f attach.File) (string, error) {
	name := f.Ref.Name
	if name == "" {
		name = path.Base(f.Ref.URL)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	_ = w.WriteField("model", t.model)
	_ = w.WriteField("response_format", "json")
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	t.logger.Debug("transcribing", "file", name, "bytes", len(f.Data))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcribe %s: HTTP %d: %s", name, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("transcribe %s: decode response: %w", name, err)
	}
	return strings.TrimSpace(out.Text), nil
}
