package replicate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kinds of image reference found in a prediction's output.
const (
	KindURL     = "url"
	KindDataURL = "dataurl"
	KindBase64  = "base64"
)

// ErrNoImage is returned when a prediction's output carries no image.
var ErrNoImage = errors.New("no image in prediction output")

// minBase64Len filters short strings that cannot be an encoded image.
const minBase64Len = 200

// Image is a normalized reference to the image a prediction produced.
type Image struct {
	Kind  string
	Value string
}

// ExtractImage normalizes the model-specific output shape. It collects every
// string reachable through arrays and the common object keys, then prefers
// an http(s) URL, then a data URL, then a raw base64 blob.
func ExtractImage(output json.RawMessage) (Image, error) {
	var v any
	if len(output) > 0 {
		if err := json.Unmarshal(output, &v); err != nil {
			return Image{}, fmt.Errorf("parse output: %w", err)
		}
	}

	var candidates []string
	collect(v, &candidates)

	for _, s := range candidates {
		if strings.HasPrefix(s, "http") {
			return Image{Kind: KindURL, Value: s}, nil
		}
	}
	for _, s := range candidates {
		if strings.HasPrefix(s, "data:image") {
			return Image{Kind: KindDataURL, Value: s}, nil
		}
	}
	for _, s := range candidates {
		if len(s) > minBase64Len && !strings.Contains(s, " ") {
			return Image{Kind: KindBase64, Value: s}, nil
		}
	}
	return Image{}, ErrNoImage
}

var imageKeys = []string{"url", "href", "image", "image_base64", "imageBase64", "data", "output"}

func collect(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		if t != "" {
			*out = append(*out, t)
		}
	case []any:
		for _, e := range t {
			collect(e, out)
		}
	case map[string]any:
		for _, k := range imageKeys {
			switch inner := t[k].(type) {
			case string:
				if inner != "" {
					*out = append(*out, inner)
				}
			case map[string]any, []any:
				if k == "output" {
					collect(inner, out)
				}
			}
		}
	}
}

// Fetch returns the image bytes, downloading URLs and decoding inline data.
func (c *Client) Fetch(ctx context.Context, img Image) ([]byte, error) {
	switch img.Kind {
	case KindURL:
		return c.Download(ctx, img.Value)
	case KindDataURL:
		_, data, _ := strings.Cut(img.Value, ",")
		return decodeBase64(data)
	case KindBase64:
		return decodeBase64(img.Value)
	}
	return nil, fmt.Errorf("unknown image kind %q", img.Kind)
}

// Download fetches url and returns the body.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	return data, nil
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return data, nil
}
