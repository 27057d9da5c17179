// Package vision decides whether a user turn needs a look at the screen
// and captures it.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Checker asks the classifier endpoint whether text refers to something on
// screen.
type Checker struct {
	HTTPClient *http.Client
	URL        string
	log        zerolog.Logger
}

func NewChecker(checkURL string, timeout time.Duration, log zerolog.Logger) *Checker {
	return &Checker{HTTPClient: &http.Client{Timeout: timeout}, URL: checkURL, log: log}
}

// NeedScreenshot reports the classifier's verdict. Any failure counts as
// "no".
func (c *Checker) NeedScreenshot(ctx context.Context, text string) bool {
	need, err := c.check(ctx, text)
	if err != nil {
		c.log.Warn().Err(err).Msg("screenshot check failed")
		return false
	}
	c.log.Debug().Bool("need", need).Msg("screenshot check")
	return need
}

func (c *Checker) check(ctx context.Context, text string) (bool, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return false, errors.Wrap(err, "parse vision url")
	}
	q := u.Query()
	q.Set("text", text)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "vision check")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return false, errors.Errorf("vision check: status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, errors.Wrap(err, "decode vision check")
	}
	v, _ := body["需要视觉"].(string)
	return v == "是", nil
}

// Screenshotter grabs the screen as JPEG bytes.
type Screenshotter interface {
	Capture(ctx context.Context) ([]byte, error)
}

// CommandScreenshotter runs an external capture tool. The literal
// argument {path} is replaced with a temp file the tool must write.
type CommandScreenshotter struct {
	Command string
}

func (s CommandScreenshotter) Capture(ctx context.Context) ([]byte, error) {
	args := strings.Fields(s.Command)
	if len(args) == 0 {
		return nil, errors.New("screenshot command not configured")
	}
	dir, err := os.MkdirTemp("", "overlay-shot-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "screen.jpg")
	for i, a := range args {
		args[i] = strings.ReplaceAll(a, "{path}", path)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.Wrapf(err, "screenshot command: %s", strings.TrimSpace(string(out)))
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read screenshot")
	}
	return b, nil
}

// DataURL encodes a JPEG for an image_url content part.
func DataURL(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}
