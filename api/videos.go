package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"video-prepare/timeline"
)

// MetadataFetchError means clip metadata for a camera could not be retrieved
// after retries.
type MetadataFetchError struct {
	DeviceID string
	Err      error
}

func (e *MetadataFetchError) Error() string {
	return fmt.Sprintf("fetch video metadata for device %s: %v", e.DeviceID, e.Err)
}

func (e *MetadataFetchError) Unwrap() error { return e.Err }

// VideoStorageClient reads clip metadata from the video storage service and
// downloads clip bytes from it.
type VideoStorageClient struct {
	rest     *restClient
	pageSize int
}

// NewVideoStorageClient creates a client. rps caps the request rate; zero or
// less disables the limit.
func NewVideoStorageClient(baseURL string, tokens Tokens, pageSize int, rps float64, logger zerolog.Logger) *VideoStorageClient {
	rest := newRESTClient(baseURL, tokens, logger)
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		rest.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &VideoStorageClient{rest: rest, pageSize: pageSize}
}

type videoPage struct {
	Meta struct {
		Total int `json:"total"`
	} `json:"meta"`
	Videos []struct {
		DataID         string `json:"data_id"`
		Path           string `json:"path"`
		VideoTimestamp string `json:"video_timestamp"`
	} `json:"videos"`
}

// FetchMetadata lists every clip a device recorded in [start, end].
func (c *VideoStorageClient) FetchMetadata(ctx context.Context, environmentID, deviceID string, start, end time.Time) ([]timeline.Metadata, error) {
	path := "/videos/" + url.PathEscape(environmentID) + "/device/" + url.PathEscape(deviceID)
	var records []timeline.Metadata

	for skip := 0; ; {
		q := url.Values{}
		q.Set("start_date", start.UTC().Format(time.RFC3339))
		q.Set("end_date", end.UTC().Format(time.RFC3339))
		q.Set("skip", strconv.Itoa(skip))
		q.Set("limit", strconv.Itoa(c.pageSize))

		var page videoPage
		if err := c.rest.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, &MetadataFetchError{DeviceID: deviceID, Err: err}
		}
		for _, v := range page.Videos {
			ts, err := timeline.ParseTimestamp(v.VideoTimestamp)
			if err != nil {
				c.rest.log.Warn().Err(err).Str("data_id", v.DataID).Msg("skipping video with unreadable timestamp")
				continue
			}
			records = append(records, timeline.Metadata{DataID: v.DataID, Path: v.Path, Timestamp: ts})
		}

		skip += len(page.Videos)
		if len(page.Videos) == 0 || skip >= page.Meta.Total {
			break
		}
	}
	return records, nil
}

// FetchTo implements storage.Fetcher against the data endpoint.
func (c *VideoStorageClient) FetchTo(ctx context.Context, key, dest string) error {
	body, err := c.rest.call(ctx, http.MethodGet, "/video/"+escapeKey(key)+"/data", nil, nil)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(dest, body, 0o644)
}

func escapeKey(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
