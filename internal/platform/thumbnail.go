package platform

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

var youtubeIDPattern = regexp.MustCompile(`(?:youtube\.com/(?:watch\?(?:[^#]*&)?v=|embed/|shorts/|v/)|youtu\.be/)([A-Za-z0-9_-]{11})`)

// YoutubeVideoID extracts the video id from the common YouTube URL shapes.
func YoutubeVideoID(rawURL string) string {
	m := youtubeIDPattern.FindStringSubmatch(rawURL)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

type ThumbnailResolver interface {
	Thumbnail(ctx context.Context, videoURL string) string
}

// YoutubeThumbnails looks thumbnails up through the YouTube Data API when an
// API key is configured and falls back to the public image host otherwise.
type YoutubeThumbnails struct {
	yt *youtube.Service
}

func NewYoutubeThumbnails(ctx context.Context, apiKey string, opts ...option.ClientOption) (*YoutubeThumbnails, error) {
	if apiKey == "" {
		return &YoutubeThumbnails{}, nil
	}

	service, err := youtube.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return &YoutubeThumbnails{yt: service}, nil
}

func (t *YoutubeThumbnails) Thumbnail(ctx context.Context, videoURL string) string {
	id := YoutubeVideoID(videoURL)
	if id == "" {
		return ""
	}

	if t.yt != nil {
		if url := t.lookup(ctx, id); url != "" {
			return url
		}
	}
	return fmt.Sprintf("https://i.ytimg.com/vi/%s/hqdefault.jpg", id)
}

func (t *YoutubeThumbnails) lookup(ctx context.Context, id string) string {
	resp, err := t.yt.Videos.List([]string{"snippet"}).Id(id).Context(ctx).Do()
	if err != nil {
		slog.Warn("youtube thumbnail lookup failed", "video_id", id, "error", err)
		return ""
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil || resp.Items[0].Snippet.Thumbnails == nil {
		return ""
	}

	thumbs := resp.Items[0].Snippet.Thumbnails
	for _, th := range []*youtube.Thumbnail{thumbs.Maxres, thumbs.Standard, thumbs.High, thumbs.Medium, thumbs.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}
