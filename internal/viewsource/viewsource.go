// Package viewsource reads live video statistics from the worker proxy that
// the attestation verifier also queries.
package viewsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"tubekeeper/internal/domain"
)

// Stats is the subset of the proxy response the keeper uses.
type Stats struct {
	VideoID      string `json:"videoId"`
	Etag         string `json:"etag"`
	Title        string `json:"title,omitempty"`
	ChannelTitle string `json:"channelTitle,omitempty"`
	ViewCount    uint64 `json:"viewCount"`
	LikeCount    uint64 `json:"likeCount,omitempty"`
	CommentCount uint64 `json:"commentCount,omitempty"`
}

// Source returns current statistics for a video.
type Source interface {
	Stats(ctx context.Context, videoID string) (Stats, error)
}

type HTTPSource struct {
	base   string
	client *http.Client
	log    *slog.Logger
}

func NewHTTPSource(base string, timeout time.Duration, logger *slog.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		base:   base,
		client: &http.Client{Timeout: timeout},
		log:    logger.With("module", "viewsource"),
	}
}

// URL is the endpoint also handed to the verifier in Web2Json requests.
func (s *HTTPSource) URL() string { return s.base }

func (s *HTTPSource) Stats(ctx context.Context, videoID string) (Stats, error) {
	u, err := url.Parse(s.base)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: view source url: %v", domain.ErrReadFailure, err)
	}
	q := u.Query()
	q.Set("videoId", videoID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", domain.ErrReadFailure, err)
	}

	var body struct {
		Stats
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil && resp.StatusCode < 300 {
		return Stats{}, fmt.Errorf("%w: decode stats: %v", domain.ErrReadFailure, err)
	}
	if resp.StatusCode >= 300 || body.Error != "" {
		msg := body.Error
		if msg == "" {
			msg = resp.Status
		}
		s.log.Info("view source error", "event", "viewsource_error", "video_id", videoID, "status", resp.StatusCode, "error", msg)
		return Stats{}, fmt.Errorf("%w: %s", domain.ErrReadFailure, msg)
	}
	s.log.Debug("view count read", "event", "viewsource_read", "video_id", videoID, "views", body.ViewCount)
	return body.Stats, nil
}
