package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/nugget/switchyard/internal/httpkit"
)

type remoteRequest struct {
	Request
	Stream bool `json:"stream"`
}

// Remote calls strategy endpoints on a remote service at
// <base>/<strategy>.
type Remote struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemote creates a remote endpoint. Streaming responses have no
// client-side timeout; callers bound ctx.
func NewRemote(baseURL, apiKey string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
		logger:     logger.With("component", "strategy.remote"),
	}
}

// Configured reports whether a base URL is set.
func (r *Remote) Configured() bool {
	return r != nil && r.baseURL != ""
}

// Complete implements [Endpoint]. A JSON response is decoded as a
// [Completion]; any other response body is streamed to onToken.
func (r *Remote) Complete(ctx context.Context, req Request, onToken TokenFunc) (*Completion, error) {
	if !r.Configured() {
		return nil, fmt.Errorf("%w: %s has no remote service", ErrUnavailable, req.Strategy)
	}

	body, err := json.Marshal(remoteRequest{Request: req, Stream: onToken != nil})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Strategy, err)
	}
	url := r.baseURL + "/" + string(req.Strategy)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", req.Strategy, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	r.logger.Debug("calling remote strategy", "strategy", req.Strategy, "url", url)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Strategy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %d: %s", req.Strategy, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" {
		var out Completion
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", req.Strategy, err)
		}
		emit(onToken, out.Text)
		return &out, nil
	}

	text, err := streamText(resp.Body, onToken)
	if err != nil {
		return nil, fmt.Errorf("%s: read stream: %w", req.Strategy, err)
	}
	return &Completion{Text: text, Model: req.Model.ID}, nil
}

// streamText forwards body to onToken as it arrives, holding back an
// incomplete trailing UTF-8 sequence until its remaining bytes arrive.
func streamText(body io.Reader, onToken TokenFunc) (string, error) {
	var all strings.Builder
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completePrefix(data)
			chunk := string(data[:cut])
			carry = append([]byte(nil), data[cut:]...)
			all.WriteString(chunk)
			emit(onToken, chunk)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return all.String(), err
		}
	}
	if len(carry) > 0 {
		all.Write(carry)
		emit(onToken, string(carry))
	}
	return all.String(), nil
}

func completePrefix(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				return i
			}
			break
		}
	}
	return len(data)
}
