package petkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

type MediaType string

const (
	MediaImage MediaType = "jpg"
	MediaVideo MediaType = "mp4"
)

// MediaFile points at one image or video produced by a camera device. The
// files are encrypted; AESKey decrypts them.
type MediaFile struct {
	DeviceID  int64
	EventID   string
	Timestamp int64
	Type      MediaType
	URL       string
	AESKey    string
}

type mediaRecord struct {
	EventID   string  `json:"eventId"`
	Timestamp flexInt `json:"timestamp"`
	Preview   string  `json:"preview"`
	MediaAPI  string  `json:"mediaApi"`
	AESKey    string  `json:"aesKey"`
}

// MediaURLs lists image URLs for today's events on a camera device. Video
// URLs are resolved only while the device's cloud subscription is active.
func (c *Client) MediaURLs(ctx context.Context, id int64) ([]MediaFile, error) {
	device, err := c.Device(id)
	if err != nil {
		return nil, err
	}
	base := device.Base()
	if !HasCamera(base.DeviceType) {
		return nil, fmt.Errorf("petkit: device %d (%s) has no camera", id, base.DeviceType)
	}

	params := url.Values{}
	params.Set("deviceId", strconv.FormatInt(id, 10))
	params.Set("date", c.today().Format("20060102"))
	params.Set("day", c.today().Format("20060102"))
	raw, err := c.Fetch(ctx, http.MethodPost, base.DeviceType+"/getDeviceRecord", params)
	if err != nil {
		return nil, fmt.Errorf("device %d records: %w", id, err)
	}

	records, err := collectMediaRecords(raw)
	if err != nil {
		return nil, err
	}
	withVideo := base.CloudProduct.Active(c.opts.now())

	var files []MediaFile
	for _, rec := range records {
		if rec.Preview != "" {
			files = append(files, MediaFile{
				DeviceID:  id,
				EventID:   rec.EventID,
				Timestamp: int64(rec.Timestamp),
				Type:      MediaImage,
				URL:       rec.Preview,
				AESKey:    rec.AESKey,
			})
		}
		if !withVideo || rec.MediaAPI == "" {
			continue
		}
		videoURL, err := c.cloudVideo(ctx, rec.MediaAPI)
		if err != nil {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "petkit cloud video unavailable",
				slog.Int64("device_id", id),
				slog.String("event_id", rec.EventID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if videoURL == "" {
			continue
		}
		files = append(files, MediaFile{
			DeviceID:  id,
			EventID:   rec.EventID,
			Timestamp: int64(rec.Timestamp),
			Type:      MediaVideo,
			URL:       videoURL,
			AESKey:    rec.AESKey,
		})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Timestamp > files[j].Timestamp })
	return files, nil
}

// collectMediaRecords walks a record payload. Feeders group records by kind
// and nest them under "items"; litter boxes return a flat list.
func collectMediaRecords(raw json.RawMessage) ([]mediaRecord, error) {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	var out []mediaRecord
	var walk func(node any)
	walk = func(node any) {
		switch v := node.(type) {
		case []any:
			for _, item := range v {
				walk(item)
			}
		case map[string]any:
			_, hasPreview := v["preview"]
			_, hasMedia := v["mediaApi"]
			if hasPreview || hasMedia {
				data, _ := json.Marshal(v)
				var rec mediaRecord
				if err := json.Unmarshal(data, &rec); err == nil {
					out = append(out, rec)
				}
			}
			for _, child := range v {
				walk(child)
			}
		}
	}
	walk(root)
	return out, nil
}

// cloudVideo resolves a record's media API path to a playable URL.
func (c *Client) cloudVideo(ctx context.Context, mediaAPI string) (string, error) {
	endpoint, query := mediaAPI, url.Values(nil)
	if i := strings.IndexByte(mediaAPI, '?'); i >= 0 {
		endpoint = mediaAPI[:i]
		parsed, err := url.ParseQuery(mediaAPI[i+1:])
		if err != nil {
			return "", fmt.Errorf("parse media api: %w", err)
		}
		query = parsed
	}
	raw, err := c.Fetch(ctx, http.MethodPost, strings.TrimPrefix(endpoint, "/"), query)
	if err != nil {
		return "", err
	}
	var videos []struct {
		URL      string `json:"url"`
		MediaAPI string `json:"mediaApi"`
	}
	if err := json.Unmarshal(unwrapList(raw), &videos); err != nil {
		return "", fmt.Errorf("decode cloud video: %w", err)
	}
	if len(videos) == 0 {
		return "", nil
	}
	if videos[0].URL != "" {
		return videos[0].URL, nil
	}
	return videos[0].MediaAPI, nil
}
