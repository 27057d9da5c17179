// Package asr uploads recorded utterances for transcription.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Client posts WAV utterances as multipart form uploads.
type Client struct {
	HTTPClient *http.Client
	URL        string
}

type result struct {
	Status  string `json:"status"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{HTTPClient: &http.Client{Timeout: timeout}, URL: url}
}

// Recognize returns the transcript of wav. A reply whose status is not
// "success" is an error carrying the server's message.
func (c *Client) Recognize(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "recording.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wav); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "asr request")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("asr error: status=%d body=%s", resp.StatusCode, string(raw))
	}
	var r result
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", errors.Wrap(err, "decode asr reply")
	}
	if r.Status != "success" || r.Text == "" {
		return "", errors.Errorf("asr failed: status=%s message=%s", r.Status, r.Message)
	}
	return r.Text, nil
}
