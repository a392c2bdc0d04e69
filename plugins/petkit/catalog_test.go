package petkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCatalogRows(t *testing.T) {
	cases := []struct {
		deviceType string
		action     Action
		code       string
		shape      Shape
	}{
		{"feeder", ActionUpdateSetting, "update", ShapeSettings},
		{"feedermini", ActionUpdateSetting, "update", ShapeSettings},
		{"d4s", ActionUpdateSetting, "updateSettings", ShapeSettings},
		{"t6", ActionUpdateSetting, "updateSettings", ShapeSettings},
		{"ctw3", ActionUpdateSetting, "updateSettings", ShapeSettings},
		{"k2", ActionUpdateSetting, "updateSettings", ShapeSettings},
		{"feeder", ActionManualFeed, "save_dailyfeed", ShapeInline},
		{"d4", ActionManualFeed, "saveDailyFeed", ShapeInline},
		{"d4sh", ActionManualFeed, "saveDailyFeed", ShapeInline},
		{"feedermini", ActionCancelManualFeed, "cancel_realtime_feed", ShapeInline},
		{"d3", ActionCancelManualFeed, "cancelRealtimeFeed", ShapeInline},
		{"d4h", ActionFoodReplenished, "added", ShapeInline},
		{"feeder", ActionCalibration, "food_reset", ShapeInline},
		{"feeder", ActionResetDesiccant, "desiccant_reset", ShapeInline},
		{"d4s", ActionResetDesiccant, "desiccantReset", ShapeInline},
		{"d3", ActionCallPet, "callPet", ShapeInline},
		{"d4", ActionRemoveDailyFeed, "removeDailyFeed", ShapeInline},
		{"d4", ActionRestoreDailyFeed, "restoreDailyFeed", ShapeInline},
		{"t3", ActionControlDevice, "controlDevice", ShapeControl},
		{"t7", ActionControlDevice, "controlDevice", ShapeControl},
		{"k3", ActionControlDevice, "controlDevice", ShapeControl},
		{"t5", ActionResetDeodorizer, "deodorantReset", ShapeInline},
		{"pet", ActionUpdatePetSetting, "updatepetprops", ShapeSettings},
	}
	for _, tc := range cases {
		spec, ok := LookupCommand(tc.deviceType, tc.action)
		if !ok {
			t.Fatalf("%s/%s missing from catalog", tc.deviceType, tc.action)
		}
		if spec.Code != tc.code || spec.Shape != tc.shape {
			t.Fatalf("%s/%s = %s %s, want %s %s", tc.deviceType, tc.action, spec.Code, spec.Shape, tc.code, tc.shape)
		}
	}
}

func TestCatalogUnsupportedPairs(t *testing.T) {
	cases := []struct {
		deviceType string
		action     Action
	}{
		{"w5", ActionManualFeed},
		{"t4", ActionManualFeed},
		{"d4", ActionControlDevice},
		{"feeder", ActionCallPet},
		{"t3", ActionResetDeodorizer},
		{"k2", ActionResetDeodorizer},
		{"pet", ActionUpdateSetting},
		{"d4", ActionFoodReplenished},
	}
	for _, tc := range cases {
		if _, ok := LookupCommand(tc.deviceType, tc.action); ok {
			t.Fatalf("%s/%s should not be in the catalog", tc.deviceType, tc.action)
		}
	}
}

func TestCatalogCoversKnownTypesOnly(t *testing.T) {
	for key := range catalog {
		if key.deviceType == petType {
			continue
		}
		if _, ok := KindOf(key.deviceType); !ok {
			t.Fatalf("catalog row for unknown device type %q", key.deviceType)
		}
	}
	for model := range deviceKinds {
		if len(SupportedActions(model)) == 0 {
			t.Fatalf("device type %q has no commands", model)
		}
	}
}

func TestValidate(t *testing.T) {
	d4s, _ := LookupCommand("d4s", ActionManualFeed)
	t4, _ := LookupCommand("t4", ActionControlDevice)
	settings, _ := LookupCommand("d4", ActionUpdateSetting)

	cases := []struct {
		name    string
		spec    CommandSpec
		payload map[string]any
		missing bool
		unknown []string
		reason  bool
	}{
		{name: "one hopper", spec: d4s, payload: map[string]any{"amount1": 2}},
		{name: "both hoppers", spec: d4s, payload: map[string]any{"amount1": 2, "amount2": 1}},
		{name: "no hopper", spec: d4s, payload: map[string]any{}, missing: true},
		{name: "wrong key", spec: d4s, payload: map[string]any{"amount": 2}, missing: true, unknown: []string{"amount"}},
		{name: "control", spec: t4, payload: map[string]any{ControlStart: LitterClean}},
		{name: "two controls", spec: t4, payload: map[string]any{ControlStart: 0, ControlStop: 0}, reason: true},
		{name: "settings empty", spec: settings, payload: nil, reason: true},
		{name: "settings", spec: settings, payload: map[string]any{"lightMode": 1}},
		{name: "bad value", spec: d4s, payload: map[string]any{"amount1": []int{1}}, reason: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate(tc.payload)
			wantErr := tc.missing || tc.reason || len(tc.unknown) > 0
			if !wantErr {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			var invalid *InvalidPayloadError
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want InvalidPayloadError", err)
			}
			if tc.missing != (len(invalid.Missing) > 0) {
				t.Fatalf("missing = %v", invalid.Missing)
			}
			if strings.Join(invalid.Unknown, ",") != strings.Join(tc.unknown, ",") {
				t.Fatalf("unknown = %v, want %v", invalid.Unknown, tc.unknown)
			}
			if tc.reason && invalid.Reason == "" {
				t.Fatalf("expected a reason")
			}
		})
	}
}

func TestEncodeShapes(t *testing.T) {
	day := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)

	settings, _ := LookupCommand("d4s", ActionUpdateSetting)
	form, err := settings.Encode(99, map[string]any{"lightMode": 1}, day)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if form["id"] != "99" || form["kv"] != `{"lightMode":1}` {
		t.Fatalf("settings form = %v", form)
	}

	purifier, _ := LookupCommand("k2", ActionControlDevice)
	form, err = purifier.Encode(5, map[string]any{ControlMode: PurifierStrong}, day)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if form["kv"] != `{"mode_action":3}` || form["type"] != "mode" || form["id"] != "5" {
		t.Fatalf("control form = %v", form)
	}

	feed, _ := LookupCommand("feeder", ActionManualFeed)
	form, err = feed.Encode(7, map[string]any{"amount": 10}, day)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := map[string]string{"deviceId": "7", "amount": "10", "time": "-1", "day": "20260314"}
	if len(form) != len(want) {
		t.Fatalf("feed form = %v", form)
	}
	for key, value := range want {
		if form[key] != value {
			t.Fatalf("feed form[%s] = %q, want %q", key, form[key], value)
		}
	}
}

func TestSendManualFeedDualHopper(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("/d4s/saveDailyFeed", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "success")
	})
	clock := newFakeClock()
	client := newTestClient(t, fc, WithClock(clock.Now))
	seed(client, &Feeder{DeviceBase: DeviceBase{ID: 3001, DeviceType: "d4s", Name: "Kitchen"}})

	ack, err := client.SendAPIRequest(context.Background(), 3001, ActionManualFeed, map[string]any{"amount1": 2})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack.DeviceID != 3001 || ack.Action != ActionManualFeed || string(ack.Result) != `"success"` {
		t.Fatalf("ack = %+v", ack)
	}
	form := fc.form("/d4s/saveDailyFeed")
	if form.Get("deviceId") != "3001" || form.Get("amount1") != "2" || form.Get("time") != "-1" {
		t.Fatalf("form = %v", form)
	}
	// 09:30 UTC is 10:30 in Berlin, same day.
	if form.Get("day") != "20260314" {
		t.Fatalf("day = %q", form.Get("day"))
	}
	if form.Has("amount") {
		t.Fatalf("form must not carry the single hopper key: %v", form)
	}
}

func TestSendUsesAccountTimezoneForDay(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("/d4/saveDailyFeed", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "success")
	})
	clock := newFakeClock()
	clock.Advance(14 * time.Hour) // 23:30 UTC, already tomorrow in Berlin
	client := newTestClient(t, fc, WithClock(clock.Now))
	seed(client, &Feeder{DeviceBase: DeviceBase{ID: 3002, DeviceType: "d4", Name: "Hall"}})

	if _, err := client.SendAPIRequest(context.Background(), 3002, ActionManualFeed, map[string]any{"amount": 10}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := fc.form("/d4/saveDailyFeed").Get("day"); got != "20260315" {
		t.Fatalf("day = %q, want 20260315", got)
	}
}

func TestSendUnsupportedCommandSendsNothing(t *testing.T) {
	fc := newFakeCloud(t)
	client := newTestClient(t, fc)
	seed(client, &Fountain{DeviceBase: DeviceBase{ID: 4001, DeviceType: "w5", Name: "Water"}})

	_, err := client.SendAPIRequest(context.Background(), 4001, ActionManualFeed, map[string]any{"amount": 1})
	var unsupported *UnsupportedCommandError
	if !errors.As(err, &unsupported) {
		t.Fatalf("err = %v, want UnsupportedCommandError", err)
	}
	if unsupported.DeviceType != "w5" || unsupported.Action != ActionManualFeed {
		t.Fatalf("unsupported = %+v", unsupported)
	}
	if fc.total() != 0 {
		t.Fatalf("requests = %d, want 0", fc.total())
	}
}

func TestSendInvalidPayloadSendsNothing(t *testing.T) {
	fc := newFakeCloud(t)
	client := newTestClient(t, fc)
	seed(client, &Feeder{DeviceBase: DeviceBase{ID: 3001, DeviceType: "d4s", Name: "Kitchen"}})

	_, err := client.SendAPIRequest(context.Background(), 3001, ActionManualFeed, map[string]any{})
	var invalid *InvalidPayloadError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidPayloadError", err)
	}
	if fc.total() != 0 {
		t.Fatalf("requests = %d, want 0", fc.total())
	}
}

func TestSendUnknownEntity(t *testing.T) {
	fc := newFakeCloud(t)
	client := newTestClient(t, fc)

	_, err := client.SendAPIRequest(context.Background(), 1, ActionCallPet, nil)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestSendControlDevice(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("/t6/controlDevice", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "success")
	})
	client := newTestClient(t, fc)
	seed(client, &LitterBox{DeviceBase: DeviceBase{ID: 5001, DeviceType: "t6", Name: "Box"}})

	if _, err := client.SendAPIRequest(context.Background(), 5001, ActionControlDevice, map[string]any{ControlStart: LitterDumpSand}); err != nil {
		t.Fatalf("send: %v", err)
	}
	form := fc.form("/t6/controlDevice")
	var kv map[string]int
	if err := json.Unmarshal([]byte(form.Get("kv")), &kv); err != nil {
		t.Fatalf("kv %q: %v", form.Get("kv"), err)
	}
	if kv[ControlStart] != int(LitterDumpSand) || form.Get("type") != "start" || form.Get("id") != "5001" {
		t.Fatalf("form = %v", form)
	}
}

func TestSendUpdatePetSetting(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("/pet/updatepetprops", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "success")
	})
	client := newTestClient(t, fc)
	seed(client, &Pet{ID: 77, Name: "Mochi"})

	if _, err := client.SendAPIRequest(context.Background(), 77, ActionUpdatePetSetting, map[string]any{"weight": 4.2}); err != nil {
		t.Fatalf("send: %v", err)
	}
	form := fc.form("/pet/updatepetprops")
	if form.Get("petId") != "77" || form.Get("kv") != `{"weight":4.2}` {
		t.Fatalf("form = %v", form)
	}
}

func TestSendRejectedByDevice(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("/t4/controlDevice", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, 1003, "device offline")
	})
	client := newTestClient(t, fc)
	seed(client, &LitterBox{DeviceBase: DeviceBase{ID: 5002, DeviceType: "t4", Name: "Box"}})

	_, err := client.SendAPIRequest(context.Background(), 5002, ActionControlDevice, map[string]any{ControlPower: 0})
	var rejected *DeviceCommandRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want DeviceCommandRejected", err)
	}
	if rejected.Code != 1003 || rejected.Msg != "device offline" || rejected.DeviceID != 5002 {
		t.Fatalf("rejected = %+v", rejected)
	}
	if fc.count("/t4/controlDevice") != 1 {
		t.Fatalf("command sent %d times, want 1", fc.count("/t4/controlDevice"))
	}
}

func TestSendSessionRejectedTwice(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle("/t4/controlDevice", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, codeSessionExpired, "session expired")
	})
	client := newTestClient(t, fc)
	seed(client, &LitterBox{DeviceBase: DeviceBase{ID: 5002, DeviceType: "t4", Name: "Box"}})

	_, err := client.SendAPIRequest(context.Background(), 5002, ActionControlDevice, map[string]any{ControlStart: LitterClean})
	if !IsAuthRejected(err) {
		t.Fatalf("err = %v, want AuthenticationError", err)
	}
	var rejected *DeviceCommandRejected
	if errors.As(err, &rejected) {
		t.Fatalf("err = %v, must not be a device rejection", err)
	}
	if fc.count("/t4/controlDevice") != 2 || fc.loginCount() != 2 {
		t.Fatalf("sends = %d logins = %d, want 2 and 2", fc.count("/t4/controlDevice"), fc.loginCount())
	}
}

func TestSendCancelledIsNotConfirmed(t *testing.T) {
	fc := newFakeCloud(t)
	release := make(chan struct{})
	fc.handle("/t4/controlDevice", func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeResult(w, "success")
	})
	defer close(release)
	client := newTestClient(t, fc)
	seed(client, &LitterBox{DeviceBase: DeviceBase{ID: 5002, DeviceType: "t4", Name: "Box"}})
	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.SendAPIRequest(ctx, 5002, ActionControlDevice, map[string]any{ControlStart: LitterClean})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !strings.Contains(err.Error(), "not confirmed") {
		t.Fatalf("err = %v", err)
	}
}
