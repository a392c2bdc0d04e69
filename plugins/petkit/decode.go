package petkit

import (
	"encoding/json"
	"fmt"
	"strings"
)

var requiredDeviceFields = []string{"id", "deviceType", "name"}

var requiredStateField = map[DeviceKind]string{
	KindFeeder:    "state",
	KindLitterBox: "state",
	KindFountain:  "status",
	KindPurifier:  "state",
}

// DecodeDevice builds the device variant named by the payload's deviceType.
// Unknown keys are ignored; missing required keys are an error.
func DecodeDevice(data []byte) (Device, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	var deviceType string
	if raw, ok := fields["deviceType"]; ok {
		if err := json.Unmarshal(raw, &deviceType); err != nil {
			return nil, fmt.Errorf("decode deviceType: %w", err)
		}
	}
	if deviceType == "" {
		return nil, &MissingFieldError{Kind: "device", Field: "deviceType"}
	}
	kind, ok := KindOf(deviceType)
	if !ok {
		var id int64
		_ = json.Unmarshal(fields["id"], &id)
		return nil, &UnknownDeviceTypeError{DeviceType: deviceType, DeviceID: id}
	}
	for _, field := range append(requiredDeviceFields, requiredStateField[kind]) {
		if raw, ok := fields[field]; !ok || string(raw) == "null" {
			return nil, &MissingFieldError{Kind: deviceType, Field: field}
		}
	}

	var device Device
	switch kind {
	case KindFeeder:
		device = &Feeder{}
	case KindLitterBox:
		device = &LitterBox{}
	case KindFountain:
		device = &Fountain{}
	case KindPurifier:
		device = &Purifier{}
	}
	if err := json.Unmarshal(data, device); err != nil {
		return nil, fmt.Errorf("decode %s: %w", deviceType, err)
	}
	base := device.Base()
	base.DeviceType = strings.ToLower(base.DeviceType)
	if base.ID == 0 {
		return nil, &MissingFieldError{Kind: deviceType, Field: "id"}
	}
	return device, nil
}

// EncodeDevice writes a device back to its wire shape.
func EncodeDevice(d Device) ([]byte, error) {
	return json.Marshal(d)
}

// withDeviceType sets deviceType on a detail payload when the endpoint left
// it out; the family list is authoritative for the model.
func withDeviceType(raw json.RawMessage, deviceType string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if _, ok := fields["deviceType"]; ok {
		return raw, nil
	}
	tag, _ := json.Marshal(deviceType)
	fields["deviceType"] = tag
	return json.Marshal(fields)
}
