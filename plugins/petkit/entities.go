package petkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	endpointFamilyList  = "group/family/list"
	endpointUserDetails = "user/details2"
)

type familyDevice struct {
	DeviceID   int64  `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	DeviceType string `json:"deviceType"`
	GroupID    int64  `json:"groupId"`
	UniqueID   string `json:"uniqueId"`
	CreatedAt  int64  `json:"createdAt"`
}

type familyPet struct {
	PetID     flexInt `json:"petId"`
	PetName   string  `json:"petName"`
	Avatar    string  `json:"avatar"`
	CreatedAt flexInt `json:"createdAt"`
	SN        string  `json:"sn"`
}

type familyGroup struct {
	GroupID    int64          `json:"groupId"`
	Name       string         `json:"name"`
	DeviceList []familyDevice `json:"deviceList"`
	PetList    []familyPet    `json:"petList"`
	UserList   []struct {
		UserID  int64 `json:"userId"`
		IsOwner int   `json:"isOwner"`
	} `json:"userList"`
}

// fetched is one device read during a refresh.
type fetched struct {
	device Device
	usages []usage
}

// GetDevicesData performs a full refresh. The registry and accounts are
// replaced only when every device decoded; on error the previous registry
// is left untouched.
func (c *Client) GetDevicesData(ctx context.Context) error {
	start := time.Now()

	raw, err := c.Fetch(ctx, http.MethodGet, endpointFamilyList, nil)
	if err != nil {
		return fmt.Errorf("family list: %w", err)
	}
	var groups []familyGroup
	if err := json.Unmarshal(raw, &groups); err != nil {
		return fmt.Errorf("decode family list: %w", err)
	}

	details, err := c.fetchPetDetails(ctx)
	if err != nil {
		return err
	}

	var refs []familyDevice
	seen := make(map[int64]bool)
	for _, group := range groups {
		for _, ref := range group.DeviceList {
			if seen[ref.DeviceID] {
				continue
			}
			seen[ref.DeviceID] = true
			ref.DeviceType = strings.ToLower(ref.DeviceType)
			if _, ok := KindOf(ref.DeviceType); !ok {
				return &UnknownDeviceTypeError{DeviceType: ref.DeviceType, DeviceID: ref.DeviceID}
			}
			refs = append(refs, ref)
		}
	}

	results := make([]fetched, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.detailWorkers)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			res, err := c.fetchDevice(gctx, ref)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	entities := make(map[int64]Entity, len(refs))
	pets := make(map[int64]*Pet)
	accounts := make([]*Account, 0, len(groups))
	for _, group := range groups {
		account := &Account{GroupID: group.GroupID, Name: group.Name}
		for _, user := range group.UserList {
			if user.IsOwner == 1 {
				account.OwnerID = user.UserID
			}
		}
		for _, ref := range group.DeviceList {
			account.DeviceIDs = addID(account.DeviceIDs, ref.DeviceID)
		}
		for _, fp := range group.PetList {
			id := int64(fp.PetID)
			account.PetIDs = addID(account.PetIDs, id)
			if _, ok := pets[id]; ok {
				continue
			}
			pet := &Pet{ID: id, Name: fp.PetName, Avatar: fp.Avatar, CreatedAt: int64(fp.CreatedAt), SN: fp.SN}
			if d, ok := details[id]; ok {
				pet.Details = &d
			}
			pets[id] = pet
		}
		accounts = append(accounts, account)
	}

	for _, res := range results {
		entities[res.device.EntityID()] = res.device
		if box, ok := res.device.(*LitterBox); ok {
			applyUsages(pets, box, res.usages)
		}
	}
	for id, pet := range pets {
		if _, clash := entities[id]; clash {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "petkit pet id collides with a device id", slog.Int64("id", id))
			continue
		}
		entities[id] = pet
	}

	c.mu.Lock()
	c.entities = entities
	c.accounts = accounts
	c.mu.Unlock()

	refreshDuration.Observe(time.Since(start).Seconds())
	c.logger.LogAttrs(ctx, slog.LevelDebug, "petkit devices refreshed",
		slog.Int("devices", len(refs)),
		slog.Int("pets", len(pets)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// RefreshDevice re-reads one device and replaces only its registry entry.
// Pet links are left alone unless WithPetLinksOnDeviceRefresh is set.
func (c *Client) RefreshDevice(ctx context.Context, id int64) (Device, error) {
	current, err := c.Device(id)
	if err != nil {
		return nil, err
	}
	base := current.Base()
	res, err := c.fetchDevice(ctx, familyDevice{
		DeviceID:   base.ID,
		DeviceType: base.DeviceType,
		DeviceName: base.Name,
		GroupID:    base.GroupID,
		UniqueID:   base.UniqueID,
	})
	if err != nil {
		return nil, err
	}
	if res.device.Kind() != current.Kind() {
		return nil, fmt.Errorf("petkit: device %d changed kind from %s to %s", id, current.Kind(), res.device.Kind())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A full refresh may have dropped the device while this one was in flight.
	if _, ok := c.entities[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	c.entities[id] = res.device
	box, ok := res.device.(*LitterBox)
	if !c.opts.petLinksOnRefresh || !ok {
		return res.device, nil
	}

	// Copy on write: readers may still hold the previous pets.
	pets := make(map[int64]*Pet)
	for petID, entity := range c.entities {
		pet, ok := entity.(*Pet)
		if !ok {
			continue
		}
		clone := *pet
		clone.DeviceIDs = removeID(pet.DeviceIDs, id)
		pets[petID] = &clone
	}
	applyUsages(pets, box, res.usages)
	for petID, pet := range pets {
		c.entities[petID] = pet
	}
	return res.device, nil
}

func (c *Client) fetchDevice(ctx context.Context, ref familyDevice) (fetched, error) {
	params := url.Values{}
	params.Set("id", strconv.FormatInt(ref.DeviceID, 10))
	raw, err := c.Fetch(ctx, http.MethodPost, ref.DeviceType+"/device_detail", params)
	if err != nil {
		return fetched{}, fmt.Errorf("device %d detail: %w", ref.DeviceID, err)
	}
	raw, err = withDeviceType(raw, ref.DeviceType)
	if err != nil {
		return fetched{}, err
	}
	device, err := DecodeDevice(raw)
	if err != nil {
		return fetched{}, err
	}
	base := device.Base()
	if base.GroupID == 0 {
		base.GroupID = ref.GroupID
	}
	if base.UniqueID == "" {
		base.UniqueID = ref.UniqueID
	}

	res := fetched{device: device}
	box, ok := device.(*LitterBox)
	if !ok {
		return res, nil
	}
	usages, err := c.fetchUsages(ctx, box)
	if err != nil {
		if !recordsOptional(ctx, err) {
			return fetched{}, fmt.Errorf("device %d records: %w", box.ID, err)
		}
		// Statistics are secondary to device state.
		c.logger.LogAttrs(ctx, slog.LevelWarn, "petkit litter records unavailable",
			slog.Int64("device_id", box.ID),
			slog.String("error", err.Error()),
		)
		return res, nil
	}
	res.usages = usages
	return res, nil
}

// recordsOptional reports whether a litter record failure may be skipped.
// Session, transport and HTTP failures mean the next request fails too.
func recordsOptional(ctx context.Context, err error) bool {
	if ctx.Err() != nil || IsAuthRejected(err) {
		return false
	}
	var transport *TransportError
	var status *HTTPStatusError
	return !errors.As(err, &transport) && !errors.As(err, &status)
}

func (c *Client) fetchPetDetails(ctx context.Context) (map[int64]PetDetails, error) {
	raw, err := c.Fetch(ctx, http.MethodGet, endpointUserDetails, nil)
	if err != nil {
		return nil, fmt.Errorf("user details: %w", err)
	}
	var resp struct {
		User struct {
			Dogs []PetDetails `json:"dogs"`
		} `json:"user"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode user details: %w", err)
	}
	out := make(map[int64]PetDetails, len(resp.User.Dogs))
	for _, dog := range resp.User.Dogs {
		out[dog.ID] = dog
	}
	return out, nil
}

// sortedIDs is used by callers that need a stable registry order.
func sortedIDs(entities map[int64]Entity) []int64 {
	ids := make([]int64, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
