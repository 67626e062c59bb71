// ABOUTME: Vision captioner for media messages
// ABOUTME: Sends an image URL to a vision-capable provider and returns a short caption

package tools

import (
	"context"
	"fmt"
	"net/http"
)

// VisionTool produces short captions for media URLs. It is not
// registered for turn selection; the caption worker drives it directly.
type VisionTool struct {
	client *completionsClient
}

func NewVisionTool(cfg ProviderConfig, httpClient *http.Client) *VisionTool {
	return &VisionTool{
		client: newCompletionsClient("vision", cfg, httpClient),
	}
}

type imagePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Caption describes the media at url in one short sentence. Non-image
// media (video, audio) gets a generic caption from the URL alone, since
// the provider only accepts images.
func (t *VisionTool) Caption(ctx context.Context, kind, url string) (string, error) {
	if kind != "photo" {
		return fmt.Sprintf("%s attachment: %s", kind, url), nil
	}

	img := imagePart{Type: "image_url"}
	img.ImageURL = &struct {
		URL string `json:"url"`
	}{URL: url}

	messages := []chatMessage{{
		Role: "user",
		Content: []imagePart{
			{Type: "text", Text: "Describe this image in one short sentence."},
			img,
		},
	}}

	return t.client.complete(ctx, messages)
}
