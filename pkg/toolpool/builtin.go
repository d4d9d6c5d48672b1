package toolpool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const fetchBodyLimit = 256 * 1024

// RegisterBuiltins adds the stock tools to a registry.
func RegisterBuiltins(r *Registry) error {
	builtins := []ToolDefinition{
		{
			Name:        "current_time",
			Description: "Returns the current time in RFC3339 format, with the optional IANA timezone.",
			Parameters: []ToolParameter{
				{Name: "timezone", Type: "string", Description: "IANA timezone name, defaults to UTC"},
			},
			Weight:  WeightLightweight,
			Handler: currentTimeHandler,
		},
		{
			Name:        "fetch_url",
			Description: "Fetches a URL over HTTP GET and returns the response body as text.",
			Parameters: []ToolParameter{
				{Name: "url", Type: "string", Description: "The URL to fetch", Required: true},
			},
			Weight:  WeightLightweight,
			Handler: fetchURLHandler,
		},
	}

	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func currentTimeHandler(_ context.Context, args map[string]interface{}, _ ExecContext) (interface{}, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
		}
		loc = parsed
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

func fetchURLHandler(ctx context.Context, args map[string]interface{}, ec ExecContext) (interface{}, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if ec.OnProgress != nil {
		ec.OnProgress("fetching " + url)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return string(body), nil
}
