package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/OmChillure/newera-search/internal/models"
)

// ImageSearch queries a remote image search endpoint.
type ImageSearch struct {
	url string

	client *http.Client
	logger *slog.Logger
}

// NewImageSearch creates an ImageSearch for the endpoint at rawURL.
func NewImageSearch(rawURL string, logger *slog.Logger) ImageSearch {
	return ImageSearch{
		url:    rawURL,
		client: &http.Client{},
		logger: logger.With(slog.String("module", "images")),
	}
}

// SearchImages returns up to count images for query. The endpoint may answer with a JSON array or
// an object wrapping one; items may be plain URLs or objects exposing the source URL.
func (s ImageSearch) SearchImages(ctx context.Context, query string, count int) ([]models.Image, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("invalid image search url: %w", err)
	}
	q := u.Query()
	q.Set("query", query)
	q.Set("images", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	images, err := decodeImages(body)
	if err != nil {
		return nil, err
	}
	if count > 0 && len(images) > count {
		images = images[:count]
	}

	s.logger.Debug("Images found", slog.String("query", query), slog.Int("count", len(images)))
	return images, nil
}

var (
	imageListKeys = []string{"images", "results", "data", "items"}
	imageSrcKeys  = []string{"src", "url", "image", "thumbnail", "link"}
)

func decodeImages(body []byte) ([]models.Image, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("error decoding images: %w", err)
		}
		found := false
		for _, k := range imageListKeys {
			raw, ok := obj[k]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("error decoding %s: %w", k, err)
			}
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("error decoding images: no image list in response")
		}
	}

	images := make([]models.Image, 0, len(items))
	for _, item := range items {
		if src := imageSource(item); src != "" {
			images = append(images, models.Image{Src: src})
		}
	}
	return images, nil
}

func imageSource(item json.RawMessage) string {
	var s string
	if err := json.Unmarshal(item, &s); err == nil {
		return s
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(item, &obj); err != nil {
		return ""
	}
	for _, k := range imageSrcKeys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
