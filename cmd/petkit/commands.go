package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joshp123/gopetkit/plugins/petkit"
)

func devicesCmd(ctx context.Context, client *petkit.Client, out outputMode) {
	if err := client.GetDevicesData(ctx); err != nil {
		fatal("refresh", err)
	}
	devices := client.Devices()
	if out.json {
		out.printJSON(devices)
		return
	}
	rows := [][]string{{"ID", "TYPE", "KIND", "NAME", "ONLINE", "FIRMWARE"}}
	for _, device := range devices {
		base := device.Base()
		rows = append(rows, []string{
			strconv.FormatInt(base.ID, 10),
			base.DeviceType,
			string(device.Kind()),
			base.Name,
			strconv.FormatBool(device.Online()),
			string(base.Firmware),
		})
	}
	out.table(rows)
}

func petsCmd(ctx context.Context, client *petkit.Client, out outputMode) {
	if err := client.GetDevicesData(ctx); err != nil {
		fatal("refresh", err)
	}
	pets := client.Pets()
	if out.json {
		out.printJSON(pets)
		return
	}
	rows := [][]string{{"ID", "NAME", "LAST WEIGHT", "LAST USAGE", "DEVICE"}}
	for _, pet := range pets {
		lastUsage := "-"
		if pet.Stats.LastUsage > 0 {
			lastUsage = time.Unix(pet.Stats.LastUsage, 0).Format(time.RFC3339)
		}
		rows = append(rows, []string{
			strconv.FormatInt(pet.ID, 10),
			pet.Name,
			strconv.Itoa(pet.Stats.LastWeight),
			lastUsage,
			pet.Stats.LastDevice,
		})
	}
	out.table(rows)
}

func actionsCmd(ctx context.Context, client *petkit.Client, out outputMode, args []string) {
	if len(args) != 1 {
		fatal("actions", fmt.Errorf("usage: actions <id>"))
	}
	entity := resolveEntity(ctx, client, args[0])
	actions := petkit.SupportedActions(entity.EntityType())
	if out.json {
		out.printJSON(actions)
		return
	}
	rows := [][]string{{"ACTION", "ENDPOINT", "SHAPE"}}
	for _, action := range actions {
		spec, _ := petkit.LookupCommand(entity.EntityType(), action)
		rows = append(rows, []string{string(action), entity.EntityType() + "/" + spec.Code, spec.Shape.String()})
	}
	out.table(rows)
}

func sendCmd(ctx context.Context, client *petkit.Client, out outputMode, args []string) {
	if len(args) < 2 {
		fatal("send", fmt.Errorf("usage: send <id> <action> [key=value ...]"))
	}
	entity := resolveEntity(ctx, client, args[0])
	payload, err := parsePayload(args[2:])
	if err != nil {
		fatal("send", err)
	}
	ack, err := client.SendAPIRequest(ctx, entity.EntityID(), petkit.Action(args[1]), payload)
	if err != nil {
		fatal("send", err)
	}
	if out.json {
		out.printJSON(map[string]any{
			"id":     ack.DeviceID,
			"action": ack.Action,
			"result": ack.Result,
		})
		return
	}
	fmt.Printf("%s on %d: %s\n", ack.Action, ack.DeviceID, string(ack.Result))
}

func mediaCmd(ctx context.Context, client *petkit.Client, out outputMode, args []string) {
	if len(args) != 1 {
		fatal("media", fmt.Errorf("usage: media <id>"))
	}
	entity := resolveEntity(ctx, client, args[0])
	files, err := client.MediaURLs(ctx, entity.EntityID())
	if err != nil {
		fatal("media", err)
	}
	if out.json {
		out.printJSON(files)
		return
	}
	rows := [][]string{{"EVENT", "TIME", "TYPE", "URL"}}
	for _, file := range files {
		rows = append(rows, []string{
			file.EventID,
			time.Unix(file.Timestamp, 0).Format(time.RFC3339),
			string(file.Type),
			file.URL,
		})
	}
	out.table(rows)
}

// resolveEntity refreshes the registry and finds an entity by id or by
// case-insensitive name.
func resolveEntity(ctx context.Context, client *petkit.Client, ref string) petkit.Entity {
	if err := client.GetDevicesData(ctx); err != nil {
		fatal("refresh", err)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if entity, ok := client.Entity(id); ok {
			return entity
		}
	}
	for _, device := range client.Devices() {
		if strings.EqualFold(device.Base().Name, ref) {
			return device
		}
	}
	for _, pet := range client.Pets() {
		if strings.EqualFold(pet.Name, ref) {
			return pet
		}
	}
	fatal("resolve", fmt.Errorf("%w: %s", petkit.ErrDeviceNotFound, ref))
	return nil
}

// parsePayload turns key=value pairs into a command payload. Values that
// parse as JSON keep their type; anything else is a string.
func parsePayload(args []string) (map[string]any, error) {
	payload := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		payload[key] = parseValue(raw)
	}
	return payload, nil
}

func parseValue(raw string) any {
	if !json.Valid([]byte(raw)) {
		return raw
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil || value == nil {
		return raw
	}
	return value
}
