package petkit

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const petType = "pet"

// DeviceKind is the variant of a device.
type DeviceKind string

const (
	KindFeeder    DeviceKind = "feeder"
	KindLitterBox DeviceKind = "litter_box"
	KindFountain  DeviceKind = "fountain"
	KindPurifier  DeviceKind = "purifier"
)

var deviceKinds = func() map[string]DeviceKind {
	out := make(map[string]DeviceKind)
	for kind, models := range map[DeviceKind][]string{
		KindFeeder:    feederModels,
		KindLitterBox: litterModels,
		KindFountain:  fountainModels,
		KindPurifier:  purifierModels,
	} {
		for _, model := range models {
			out[model] = kind
		}
	}
	return out
}()

// KindOf maps a device type tag to its variant.
func KindOf(deviceType string) (DeviceKind, bool) {
	kind, ok := deviceKinds[strings.ToLower(deviceType)]
	return kind, ok
}

var cameraModels = map[string]bool{"d4h": true, "d4sh": true, "t5": true, "t6": true, "t7": true}

// HasCamera reports whether the model records images and video.
func HasCamera(deviceType string) bool {
	return cameraModels[strings.ToLower(deviceType)]
}

// Entity is anything held in the client registry.
type Entity interface {
	EntityID() int64
	EntityType() string
}

// Device is one of *Feeder, *LitterBox, *Fountain or *Purifier.
type Device interface {
	Entity
	Kind() DeviceKind
	Base() *DeviceBase
	Online() bool
	isDevice()
}

// FlexString accepts both JSON strings and numbers.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// CloudProduct is the Care+ subscription attached to camera models.
type CloudProduct struct {
	ChargeType  string `json:"chargeType,omitempty"`
	Name        string `json:"name,omitempty"`
	ServiceID   int64  `json:"serviceId,omitempty"`
	SubscribeID string `json:"subscribe,omitempty"`
	WorkIndate  int64  `json:"workIndate,omitempty"`
	WorkTime    int64  `json:"workTime,omitempty"`
}

// Active reports whether the subscription covers now.
func (c *CloudProduct) Active(now time.Time) bool {
	return c != nil && c.WorkIndate > now.Unix()
}

// DeviceBase holds the attributes every device payload carries.
type DeviceBase struct {
	ID           int64         `json:"id"`
	DeviceType   string        `json:"deviceType"`
	Name         string        `json:"name"`
	Firmware     FlexString    `json:"firmware,omitempty"`
	Hardware     FlexString    `json:"hardware,omitempty"`
	SN           string        `json:"sn,omitempty"`
	Mac          string        `json:"mac,omitempty"`
	Timezone     float64       `json:"timezone,omitempty"`
	Locale       string        `json:"locale,omitempty"`
	CreatedAt    string        `json:"createdAt,omitempty"`
	UpdatedAt    string        `json:"updateAt,omitempty"`
	GroupID      int64         `json:"groupId,omitempty"`
	UniqueID     string        `json:"uniqueId,omitempty"`
	CloudProduct *CloudProduct `json:"cloudProduct,omitempty"`
}

func (b *DeviceBase) EntityID() int64    { return b.ID }
func (b *DeviceBase) EntityType() string { return b.DeviceType }
func (b *DeviceBase) Base() *DeviceBase  { return b }

// LastSeen parses the vendor's update timestamp.
func (b *DeviceBase) LastSeen() (time.Time, bool) {
	return parseVendorTime(b.UpdatedAt)
}

var vendorTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000Z07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func parseVendorTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range vendorTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

type FeederState struct {
	Pim               int    `json:"pim"`
	Food              int    `json:"food"`
	Food1             int    `json:"food1,omitempty"`
	Food2             int    `json:"food2,omitempty"`
	Feeding           int    `json:"feeding"`
	Eating            int    `json:"eating,omitempty"`
	DesiccantLeftDays int    `json:"desiccantLeftDays"`
	BatteryPower      int    `json:"batteryPower,omitempty"`
	BatteryStatus     int    `json:"batteryStatus,omitempty"`
	ErrorMsg          string `json:"errorMsg,omitempty"`
}

type Feeder struct {
	DeviceBase
	State FeederState `json:"state"`
}

func (*Feeder) Kind() DeviceKind { return KindFeeder }
func (f *Feeder) Online() bool   { return f.State.Pim != 0 }
func (*Feeder) isDevice()        {}

// DualHopper reports whether the feeder has two food compartments.
func (f *Feeder) DualHopper() bool {
	return f.DeviceType == "d4s" || f.DeviceType == "d4sh"
}

type WorkState struct {
	WorkMode    int `json:"workMode"`
	WorkProcess int `json:"workProcess"`
	WorkReason  int `json:"workReason,omitempty"`
}

type LitterState struct {
	Pim               int        `json:"pim"`
	BoxFull           bool       `json:"boxFull"`
	SandPercent       int        `json:"sandPercent"`
	SandLack          bool       `json:"sandLack"`
	DeodorantLeftDays int        `json:"deodorantLeftDays,omitempty"`
	UsedTimes         int        `json:"usedTimes"`
	Power             int        `json:"power"`
	WorkState         *WorkState `json:"workState,omitempty"`
	ErrorMsg          string     `json:"errorMsg,omitempty"`
}

type LitterBox struct {
	DeviceBase
	State LitterState `json:"state"`
}

func (*LitterBox) Kind() DeviceKind { return KindLitterBox }
func (l *LitterBox) Online() bool   { return l.State.Pim != 0 }
func (*LitterBox) isDevice()        {}

// Working reports whether a cleaning cycle is in progress.
func (l *LitterBox) Working() bool { return l.State.WorkState != nil }

type FountainStatus struct {
	DetectStatus   int `json:"detectStatus"`
	ElectricStatus int `json:"electricStatus"`
	PowerStatus    int `json:"powerStatus"`
	RunStatus      int `json:"runStatus"`
	SuspendStatus  int `json:"suspendStatus"`
}

type Fountain struct {
	DeviceBase
	Status           FountainStatus `json:"status"`
	FilterPercent    int            `json:"filterPercent"`
	LackWarning      int            `json:"lackWarning"`
	Mode             int            `json:"mode"`
	TodayPumpRunTime int            `json:"todayPumpRunTime,omitempty"`
}

func (*Fountain) Kind() DeviceKind { return KindFountain }

// Online uses electricStatus; 0 means the fountain has not reported power.
func (f *Fountain) Online() bool { return f.Status.ElectricStatus != 0 }
func (*Fountain) isDevice()      {}

type PurifierState struct {
	Pim      int `json:"pim"`
	Power    int `json:"power"`
	Mode     int `json:"mode"`
	Humidity int `json:"humidity"`
	Temp     int `json:"temp"`
	Liquid   int `json:"liquid"`
	LeftDay  int `json:"leftDay"`
}

type Purifier struct {
	DeviceBase
	State PurifierState `json:"state"`
}

func (*Purifier) Kind() DeviceKind { return KindPurifier }
func (p *Purifier) Online() bool   { return p.State.Pim != 0 }
func (*Purifier) isDevice()        {}

// PetDetails is the profile from the user details endpoint.
type PetDetails struct {
	ID         int64   `json:"id"`
	Weight     float64 `json:"weight,omitempty"`
	Gender     int     `json:"gender,omitempty"`
	Birth      string  `json:"birth,omitempty"`
	Size       int     `json:"size,omitempty"`
	ActiveDeg  int     `json:"activeDegree,omitempty"`
	WeightUnit string  `json:"weightLabel,omitempty"`
}

// PetStats is derived from litter box usage records.
type PetStats struct {
	LastUsage    int64  `json:"lastUsage,omitempty"`
	LastWeight   int    `json:"lastWeight,omitempty"`
	LastDuration int    `json:"lastDuration,omitempty"`
	LastDevice   string `json:"lastDevice,omitempty"`
	LastEventID  string `json:"lastEventId,omitempty"`
}

type Pet struct {
	ID        int64       `json:"petId"`
	Name      string      `json:"petName"`
	Avatar    string      `json:"avatar,omitempty"`
	CreatedAt int64       `json:"createdAt,omitempty"`
	SN        string      `json:"sn,omitempty"`
	Details   *PetDetails `json:"details,omitempty"`
	Stats     PetStats    `json:"stats"`
	// DeviceIDs are the devices that reported this pet. Lookup only.
	DeviceIDs []int64 `json:"deviceIds,omitempty"`
}

func (p *Pet) EntityID() int64  { return p.ID }
func (*Pet) EntityType() string { return petType }

// Account is a PetKit family group.
type Account struct {
	GroupID   int64
	Name      string
	OwnerID   int64
	DeviceIDs []int64
	PetIDs    []int64
}

func (a *Account) EntityID() int64  { return a.GroupID }
func (*Account) EntityType() string { return "account" }

// Ack is returned by a command the vendor accepted.
type Ack struct {
	DeviceID int64
	Action   Action
	Result   json.RawMessage
}
