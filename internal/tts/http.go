package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPClient posts {text, language} and returns the binary audio body.
type HTTPClient struct {
	HTTPClient *http.Client
	URL        string
	Language   string
}

type synthRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func NewHTTPClient(url, language string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{HTTPClient: &http.Client{Timeout: timeout}, URL: url, Language: language}
}

func (c *HTTPClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	buf, _ := json.Marshal(synthRequest{Text: text, Language: c.Language})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(buf))
	if err != nil {
		return nil, errors.Wrap(err, "tts request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "tts http")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("tts http status=%d body=%s", resp.StatusCode, string(b))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read tts audio")
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}
