// Package translate drives the machine translation collaborator: an HTTP
// client for the MT service and the per-room worker that keeps the
// transcript translated into every subscribed language.
package translate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Translator is the MT collaborator: (text, source, target) to text, plus
// the set of target languages the service supports.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
	Languages(ctx context.Context) ([]string, error)
}

// Client talks to a LibreTranslate-compatible HTTP service.
type Client struct {
	http *resty.Client
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second),
	}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

// Translate performs one MT call.
func (c *Client) Translate(ctx context.Context, text, source, target string) (string, error) {
	ctx, span := otel.Tracer("confcap/translate").Start(ctx, "mt.translate")
	span.SetAttributes(
		attribute.String("mt.source", source),
		attribute.String("mt.target", target),
	)
	defer span.End()

	var out translateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(translateRequest{Q: text, Source: source, Target: target, Format: "text"}).
		SetResult(&out).
		Post("/translate")
	if err != nil {
		return "", fmt.Errorf("mt request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("mt request: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.TranslatedText, nil
}

type languageInfo struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Targets []string `json:"targets"`
}

// Languages returns the target languages the MT service supports.
func (c *Client) Languages(ctx context.Context) ([]string, error) {
	var out []languageInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/languages")
	if err != nil {
		return nil, fmt.Errorf("mt languages: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("mt languages: status %d", resp.StatusCode())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("mt languages: empty response")
	}
	return out[0].Targets, nil
}
