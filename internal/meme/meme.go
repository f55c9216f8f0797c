// Package meme renders two-line captions onto image templates through the
// imgflip caption API.
package meme

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stellarlinkco/markbot/internal/config"
)

// ErrUpstream wraps every failure reported by, or while talking to, the caption API.
var ErrUpstream = errors.New("meme upstream error")

// ErrNotConfigured is returned when no imgflip credentials are set.
var ErrNotConfigured = errors.New("meme credentials not configured")

//go:embed templates.json
var templatesJSON []byte

type Client struct {
	Endpoint  string
	Username  string
	Password  string
	Templates []string
	HTTP      *http.Client
}

type captionResponse struct {
	Success bool `json:"success"`
	Data    struct {
		URL     string `json:"url"`
		PageURL string `json:"page_url"`
	} `json:"data"`
	ErrorMessage string `json:"error_message"`
}

func NewClient(cfg config.MemeConfig) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = config.DefaultMemeEndpoint
	}
	var templates []string
	_ = json.Unmarshal(templatesJSON, &templates)
	return &Client{
		Endpoint:  endpoint,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Templates: templates,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Enabled() bool {
	return c.Username != "" && c.Password != ""
}

// Generate captions a random template and returns the image URL.
func (c *Client) Generate(ctx context.Context, top, bottom string) (string, error) {
	if len(c.Templates) == 0 {
		return "", fmt.Errorf("%w: no templates", ErrUpstream)
	}
	return c.Caption(ctx, c.Templates[rand.IntN(len(c.Templates))], top, bottom)
}

// Caption renders top and bottom onto templateID.
func (c *Client) Caption(ctx context.Context, templateID, top, bottom string) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	form := url.Values{
		"username":    {c.Username},
		"password":    {c.Password},
		"template_id": {templateID},
		"text0":       {top},
		"text1":       {bottom},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build caption request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrUpstream, resp.StatusCode)
	}

	var out captionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if !out.Success {
		return "", fmt.Errorf("%w: %s", ErrUpstream, out.ErrorMessage)
	}
	if out.Data.URL == "" {
		return "", fmt.Errorf("%w: response carried no url", ErrUpstream)
	}
	return out.Data.URL, nil
}
