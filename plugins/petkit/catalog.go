package petkit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Action names a logical command.
type Action string

const (
	ActionUpdateSetting    Action = "update_setting"
	ActionManualFeed       Action = "manual_feed"
	ActionCancelManualFeed Action = "cancel_manual_feed"
	ActionFoodReplenished  Action = "food_replenished"
	ActionCalibration      Action = "calibration"
	ActionResetDesiccant   Action = "reset_desiccant"
	ActionCallPet          Action = "call_pet"
	ActionRemoveDailyFeed  Action = "remove_daily_feed"
	ActionRestoreDailyFeed Action = "restore_daily_feed"
	ActionControlDevice    Action = "control_device"
	ActionResetDeodorizer  Action = "reset_deodorizer"
	ActionUpdatePetSetting Action = "update_pet_setting"
)

// Shape is the request body layout a command is encoded into.
type Shape int

const (
	// ShapeInline sends the id and payload keys as flat form fields.
	ShapeInline Shape = iota
	// ShapeSettings sends the payload as a JSON object in "kv".
	ShapeSettings
	// ShapeControl sends a single {action: value} object in "kv" plus a
	// "type" field naming the action.
	ShapeControl
)

func (s Shape) String() string {
	switch s {
	case ShapeInline:
		return "inline"
	case ShapeSettings:
		return "settings"
	case ShapeControl:
		return "control"
	default:
		return "unknown"
	}
}

// Control payload keys for control_device.
const (
	ControlStart    = "start_action"
	ControlStop     = "stop_action"
	ControlContinue = "continue_action"
	ControlEnd      = "end_action"
	ControlPower    = "power_action"
	ControlMode     = "mode_action"
)

// LitterAction values for the start/stop/continue/end keys.
type LitterAction int

const (
	LitterClean     LitterAction = 0
	LitterDumpSand  LitterAction = 1
	LitterOdorClean LitterAction = 2
	LitterReset     LitterAction = 3
	LitterLevel     LitterAction = 9
)

// PurifierMode values for mode_action.
type PurifierMode int

const (
	PurifierAuto     PurifierMode = 0
	PurifierSilent   PurifierMode = 1
	PurifierStandard PurifierMode = 2
	PurifierStrong   PurifierMode = 3
)

// CommandSpec is one row of the catalog.
type CommandSpec struct {
	Action Action
	// Code is the endpoint below the device type.
	Code  string
	Shape Shape
	// IDKey is the form field carrying the entity id.
	IDKey    string
	Required []string
	// OneOf needs at least one key present, or exactly one when ExactlyOne.
	OneOf      []string
	ExactlyOne bool
	Optional   []string
	Fixed      map[string]string
	// Dated adds the current day as YYYYMMDD in the "day" field.
	Dated bool
	// FreeForm accepts any non-empty payload.
	FreeForm bool
}

type catalogKey struct {
	deviceType string
	action     Action
}

var (
	feederModels   = []string{"feeder", "feedermini", "d3", "d4", "d4s", "d4h", "d4sh"}
	litterModels   = []string{"t3", "t4", "t5", "t6", "t7"}
	fountainModels = []string{"w4", "w5", "ctw2", "ctw3"}
	purifierModels = []string{"k2", "k3"}
)

var catalog = buildCatalog()

func buildCatalog() map[catalogKey]CommandSpec {
	table := make(map[catalogKey]CommandSpec)
	add := func(models []string, spec CommandSpec) {
		for _, model := range models {
			key := catalogKey{deviceType: model, action: spec.Action}
			if _, dup := table[key]; dup {
				panic(fmt.Sprintf("petkit: duplicate catalog row %s/%s", model, spec.Action))
			}
			table[key] = spec
		}
	}
	legacyFeeders := []string{"feeder", "feedermini"}
	feedFixed := map[string]string{"time": "-1", "name": ""}

	add(legacyFeeders, CommandSpec{Action: ActionUpdateSetting, Code: "update", Shape: ShapeSettings, IDKey: "id", FreeForm: true})
	add(concat([]string{"d3", "d4", "d4s", "d4h", "d4sh"}, litterModels, fountainModels, purifierModels),
		CommandSpec{Action: ActionUpdateSetting, Code: "updateSettings", Shape: ShapeSettings, IDKey: "id", FreeForm: true})

	add(legacyFeeders, CommandSpec{Action: ActionManualFeed, Code: "save_dailyfeed", IDKey: "deviceId",
		Required: []string{"amount"}, Fixed: map[string]string{"time": "-1"}, Dated: true})
	add([]string{"d3", "d4", "d4h"}, CommandSpec{Action: ActionManualFeed, Code: "saveDailyFeed", IDKey: "deviceId",
		Required: []string{"amount"}, Fixed: feedFixed, Dated: true})
	add([]string{"d4s", "d4sh"}, CommandSpec{Action: ActionManualFeed, Code: "saveDailyFeed", IDKey: "deviceId",
		OneOf: []string{"amount1", "amount2"}, Fixed: feedFixed, Dated: true})

	add(legacyFeeders, CommandSpec{Action: ActionCancelManualFeed, Code: "cancel_realtime_feed", IDKey: "deviceId", Dated: true})
	add([]string{"d3", "d4", "d4s", "d4h", "d4sh"}, CommandSpec{Action: ActionCancelManualFeed, Code: "cancelRealtimeFeed", IDKey: "deviceId",
		Optional: []string{"id"}, Dated: true})

	add([]string{"d4h", "d4s", "d4sh"}, CommandSpec{Action: ActionFoodReplenished, Code: "added", IDKey: "deviceId",
		Fixed: map[string]string{"noRemind": "3"}})
	add([]string{"feeder"}, CommandSpec{Action: ActionCalibration, Code: "food_reset", IDKey: "deviceId", Required: []string{"action"}})

	add(legacyFeeders, CommandSpec{Action: ActionResetDesiccant, Code: "desiccant_reset", IDKey: "deviceId"})
	add([]string{"d3", "d4", "d4s", "d4h", "d4sh"}, CommandSpec{Action: ActionResetDesiccant, Code: "desiccantReset", IDKey: "deviceId"})

	add([]string{"d3"}, CommandSpec{Action: ActionCallPet, Code: "callPet", IDKey: "deviceId"})

	dailyFeeders := []string{"d3", "d4", "d4s", "d4h", "d4sh"}
	add(dailyFeeders, CommandSpec{Action: ActionRemoveDailyFeed, Code: "removeDailyFeed", IDKey: "deviceId", Required: []string{"id"}, Dated: true})
	add(dailyFeeders, CommandSpec{Action: ActionRestoreDailyFeed, Code: "restoreDailyFeed", IDKey: "deviceId", Required: []string{"id"}, Dated: true})

	add(litterModels, CommandSpec{Action: ActionControlDevice, Code: "controlDevice", Shape: ShapeControl, IDKey: "id",
		OneOf: []string{ControlStart, ControlStop, ControlContinue, ControlEnd, ControlPower}, ExactlyOne: true})
	add(purifierModels, CommandSpec{Action: ActionControlDevice, Code: "controlDevice", Shape: ShapeControl, IDKey: "id",
		OneOf: []string{ControlPower, ControlMode}, ExactlyOne: true})

	add([]string{"t4", "t5", "t6"}, CommandSpec{Action: ActionResetDeodorizer, Code: "deodorantReset", IDKey: "deviceId"})

	add([]string{petType}, CommandSpec{Action: ActionUpdatePetSetting, Code: "updatepetprops", Shape: ShapeSettings, IDKey: "petId", FreeForm: true})
	return table
}

func concat(lists ...[]string) []string {
	var out []string
	for _, list := range lists {
		out = append(out, list...)
	}
	return out
}

// LookupCommand returns the catalog row for a device type and action.
func LookupCommand(deviceType string, action Action) (CommandSpec, bool) {
	spec, ok := catalog[catalogKey{deviceType: strings.ToLower(deviceType), action: action}]
	return spec, ok
}

// SupportedActions lists the actions a device type accepts, sorted.
func SupportedActions(deviceType string) []Action {
	deviceType = strings.ToLower(deviceType)
	var out []Action
	for key := range catalog {
		if key.deviceType == deviceType {
			out = append(out, key.action)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks payload against the row before anything is sent.
func (s CommandSpec) Validate(payload map[string]any) error {
	if s.FreeForm {
		if len(payload) == 0 {
			return &InvalidPayloadError{Action: s.Action, Reason: "at least one setting is required"}
		}
		for key, value := range payload {
			if _, err := json.Marshal(value); err != nil {
				return &InvalidPayloadError{Action: s.Action, Reason: fmt.Sprintf("%s: %v", key, err)}
			}
		}
		return nil
	}

	var missing, unknown []string
	for _, key := range s.Required {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}

	present := 0
	for _, key := range s.OneOf {
		if _, ok := payload[key]; ok {
			present++
		}
	}
	reason := ""
	if len(s.OneOf) > 0 {
		switch {
		case present == 0:
			missing = append(missing, "one of "+strings.Join(s.OneOf, "|"))
		case s.ExactlyOne && present > 1:
			reason = "only one of " + strings.Join(s.OneOf, ", ") + " may be set"
		}
	}

	allowed := make(map[string]struct{}, len(s.Required)+len(s.OneOf)+len(s.Optional))
	for _, group := range [][]string{s.Required, s.OneOf, s.Optional} {
		for _, key := range group {
			allowed[key] = struct{}{}
		}
	}
	for key, value := range payload {
		if _, ok := allowed[key]; !ok {
			unknown = append(unknown, key)
			continue
		}
		if _, err := formValue(value); err != nil {
			return &InvalidPayloadError{Action: s.Action, Reason: fmt.Sprintf("%s: %v", key, err)}
		}
	}
	sort.Strings(unknown)

	if len(missing) > 0 || len(unknown) > 0 || reason != "" {
		return &InvalidPayloadError{Action: s.Action, Missing: missing, Unknown: unknown, Reason: reason}
	}
	return nil
}

// Encode builds the form body for entity id. Call Validate first.
func (s CommandSpec) Encode(id int64, payload map[string]any, day time.Time) (map[string]string, error) {
	form := map[string]string{s.IDKey: strconv.FormatInt(id, 10)}
	switch s.Shape {
	case ShapeSettings:
		kv, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode settings: %w", err)
		}
		form["kv"] = string(kv)
	case ShapeControl:
		for key, value := range payload {
			kv, err := json.Marshal(map[string]any{key: value})
			if err != nil {
				return nil, fmt.Errorf("encode control: %w", err)
			}
			form["kv"] = string(kv)
			form["type"] = strings.SplitN(key, "_", 2)[0]
		}
	default:
		for key, value := range payload {
			str, err := formValue(value)
			if err != nil {
				return nil, err
			}
			form[key] = str
		}
	}
	for key, value := range s.Fixed {
		form[key] = value
	}
	if s.Dated {
		form["day"] = day.Format("20060102")
	}
	return form, nil
}

func formValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case LitterAction:
		return strconv.Itoa(int(v)), nil
	case PurifierMode:
		return strconv.Itoa(int(v)), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}
