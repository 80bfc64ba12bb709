package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Playset groups the streams of one environment for one time range.
type Playset struct {
	ClassroomID string    `json:"classroom_id"`
	Name        string    `json:"name"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// PlaysetResponse is a stored playset.
type PlaysetResponse struct {
	ID uuid.UUID `json:"id"`
	Playset
	Videos []VideoResponse `json:"videos,omitempty"`
}

// Video is one camera stream within a playset.
type Video struct {
	PlaysetID           uuid.UUID `json:"playset_id"`
	DeviceID            string    `json:"device_id"`
	DeviceName          string    `json:"device_name"`
	URL                 string    `json:"url"`
	PreviewURL          string    `json:"preview_url"`
	PreviewThumbnailURL string    `json:"preview_thumbnail_url"`
}

// VideoResponse is a stored video.
type VideoResponse struct {
	ID uuid.UUID `json:"id"`
	Video
}

// StreamClient registers prepared assets with the stream service.
type StreamClient struct {
	rest *restClient
	log  zerolog.Logger
}

// NewStreamClient creates a registrar client.
func NewStreamClient(baseURL string, tokens Tokens, logger zerolog.Logger) *StreamClient {
	return &StreamClient{rest: newRESTClient(baseURL, tokens, logger), log: logger}
}

// GetPlaysetByName returns the named playset of an environment, or nil when
// there is none.
func (c *StreamClient) GetPlaysetByName(ctx context.Context, environmentID, name string) (*PlaysetResponse, error) {
	path := fmt.Sprintf("/videos/classrooms/%s/playset_by_name/%s", url.PathEscape(environmentID), url.PathEscape(name))
	var p PlaysetResponse
	if err := c.rest.do(ctx, http.MethodGet, path, nil, nil, &p); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// GetPlaysetsByDate lists the playsets of an environment on one day.
func (c *StreamClient) GetPlaysetsByDate(ctx context.Context, environmentID string, day time.Time) ([]PlaysetResponse, error) {
	path := fmt.Sprintf("/videos/classrooms/%s/playsets_by_date/%s", url.PathEscape(environmentID), day.Format("2006-01-02"))
	var playsets []PlaysetResponse
	if err := c.rest.do(ctx, http.MethodGet, path, nil, nil, &playsets); err != nil {
		if IsNotFound(err) {
			return []PlaysetResponse{}, nil
		}
		return nil, err
	}
	return playsets, nil
}

// CreatePlayset stores a new playset.
func (c *StreamClient) CreatePlayset(ctx context.Context, p Playset) (*PlaysetResponse, error) {
	var created PlaysetResponse
	if err := c.rest.do(ctx, http.MethodPost, "/videos/playsets", nil, p, &created); err != nil {
		return nil, fmt.Errorf("create playset %q: %w", p.Name, err)
	}
	c.log.Info().Str("playset_id", created.ID.String()).Str("name", p.Name).Msg("created playset")
	return &created, nil
}

// DeletePlayset removes a playset and its videos.
func (c *StreamClient) DeletePlayset(ctx context.Context, id uuid.UUID) error {
	if err := c.rest.do(ctx, http.MethodDelete, "/videos/playsets/"+id.String(), nil, nil, nil); err != nil {
		return fmt.Errorf("delete playset %s: %w", id, err)
	}
	return nil
}

// DeletePlaysetByNameIfExists deletes the named playset and reports whether
// there was one.
func (c *StreamClient) DeletePlaysetByNameIfExists(ctx context.Context, environmentID, name string) (bool, error) {
	p, err := c.GetPlaysetByName(ctx, environmentID, name)
	if err != nil || p == nil {
		return false, err
	}
	if err := c.DeletePlayset(ctx, p.ID); err != nil {
		return false, err
	}
	c.log.Info().Str("playset_id", p.ID.String()).Str("name", name).Msg("deleted playset")
	return true, nil
}

// AddVideo attaches a camera stream to its playset.
func (c *StreamClient) AddVideo(ctx context.Context, v Video) (*VideoResponse, error) {
	var created VideoResponse
	path := "/videos/playsets/" + v.PlaysetID.String() + "/videos"
	if err := c.rest.do(ctx, http.MethodPost, path, nil, v, &created); err != nil {
		return nil, fmt.Errorf("add video for device %s: %w", v.DeviceID, err)
	}
	return &created, nil
}
