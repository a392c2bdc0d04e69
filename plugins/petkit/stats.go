package petkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// flexInt accepts numbers and numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// usage is one litter box visit attributed to a pet.
type usage struct {
	PetID     int64
	Timestamp int64
	Weight    int
	Duration  int
	EventID   string
}

type litterRecord struct {
	PetID     flexInt `json:"petId"`
	Timestamp flexInt `json:"timestamp"`
	EventID   string  `json:"eventId"`
	Content   *struct {
		PetWeight flexInt `json:"petWeight"`
		TimeIn    flexInt `json:"timeIn"`
		TimeOut   flexInt `json:"timeOut"`
	} `json:"content"`
}

type petOutGraph struct {
	PetID      flexInt `json:"petId"`
	Time       flexInt `json:"time"`
	ToiletTime flexInt `json:"toiletTime"`
	EventID    string  `json:"eventId"`
	Content    *struct {
		PetWeight flexInt `json:"petWeight"`
		Time      flexInt `json:"time"`
	} `json:"content"`
}

// fetchUsages reads today's litter box visits for a litter box.
func (c *Client) fetchUsages(ctx context.Context, box *LitterBox) ([]usage, error) {
	params := url.Values{}
	params.Set("deviceId", strconv.FormatInt(box.ID, 10))
	params.Set("date", c.today().Format("20060102"))

	if HasCamera(box.DeviceType) {
		raw, err := c.Fetch(ctx, http.MethodPost, box.DeviceType+"/getPetOutGraph", params)
		if err != nil {
			return nil, err
		}
		var graph []petOutGraph
		if err := json.Unmarshal(unwrapList(raw), &graph); err != nil {
			return nil, fmt.Errorf("decode pet out graph: %w", err)
		}
		out := make([]usage, 0, len(graph))
		for _, g := range graph {
			u := usage{PetID: int64(g.PetID), Timestamp: int64(g.Time), Duration: int(g.ToiletTime), EventID: g.EventID}
			if g.Content != nil {
				if g.Content.Time != 0 {
					u.Timestamp = int64(g.Content.Time)
				}
				u.Weight = int(g.Content.PetWeight)
			}
			out = append(out, u)
		}
		return out, nil
	}

	raw, err := c.Fetch(ctx, http.MethodPost, box.DeviceType+"/getDeviceRecord", params)
	if err != nil {
		return nil, err
	}
	var records []litterRecord
	if err := json.Unmarshal(unwrapList(raw), &records); err != nil {
		return nil, fmt.Errorf("decode litter records: %w", err)
	}
	out := make([]usage, 0, len(records))
	for _, r := range records {
		u := usage{PetID: int64(r.PetID), Timestamp: int64(r.Timestamp), EventID: r.EventID}
		if r.Content != nil {
			u.Weight = int(r.Content.PetWeight)
			if r.Content.TimeIn != 0 && r.Content.TimeOut != 0 {
				u.Duration = int(r.Content.TimeOut - r.Content.TimeIn)
			}
		}
		out = append(out, u)
	}
	return out, nil
}

// applyUsages updates pet statistics and device links from one box's visits.
func applyUsages(pets map[int64]*Pet, box *LitterBox, usages []usage) {
	for _, u := range usages {
		pet, ok := pets[u.PetID]
		if !ok {
			continue
		}
		pet.DeviceIDs = addID(pet.DeviceIDs, box.ID)
		if u.Timestamp <= pet.Stats.LastUsage {
			continue
		}
		pet.Stats = PetStats{
			LastUsage:    u.Timestamp,
			LastWeight:   u.Weight,
			LastDuration: u.Duration,
			LastDevice:   capitalize(box.Name),
			LastEventID:  u.EventID,
		}
	}
}

func addID(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	ids = append(ids, id)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
