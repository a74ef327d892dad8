package viewsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubekeeper/internal/domain"
)

func TestStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("videoId") {
		case "ok":
			_, _ = w.Write([]byte(`{"videoId":"ok","etag":"abc","viewCount":6000,"likeCount":12}`))
		case "missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Video not found"}`))
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	t.Cleanup(srv.Close)
	src := NewHTTPSource(srv.URL, 0, nil)

	stats, err := src.Stats(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, uint64(6000), stats.ViewCount)
	assert.Equal(t, "abc", stats.Etag)

	_, err = src.Stats(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrReadFailure)
	assert.Contains(t, err.Error(), "Video not found")

	_, err = src.Stats(context.Background(), "garbage")
	assert.ErrorIs(t, err, domain.ErrReadFailure)
}
