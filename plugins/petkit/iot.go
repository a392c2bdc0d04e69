package petkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const endpointIoTDeviceInfo = "user/iotDeviceInfo_v2"

// IoTInfo is the MQTT identity the cloud issues to the account.
type IoTInfo struct {
	DeviceName      string `json:"deviceName"`
	DeviceSecret    string `json:"deviceSecret"`
	ProductKey      string `json:"productKey"`
	MQTTHost        string `json:"mqttHost"`
	StandbyMQTTHost string `json:"standbyMqttHost"`
	IoTPlatform     string `json:"iotPlatform"`
	RegionID        string `json:"regionId"`
}

func (i IoTInfo) usable() bool {
	return i.MQTTHost != "" && i.DeviceName != "" && i.ProductKey != ""
}

// Topic is the account's downstream topic.
func (i IoTInfo) Topic() string {
	return "/" + i.ProductKey + "/" + i.DeviceName + "/user/get"
}

// Event is one message pushed by the cloud.
type Event struct {
	Topic    string
	DeviceID int64
	Type     string
	Payload  []byte
	Received time.Time
}

// EventHandler receives cloud events. It runs on the MQTT callback
// goroutine and must not block.
type EventHandler func(Event)

// IoTConfig reads the MQTT identity. The PetKit platform is preferred over
// the Aliyun one.
func (c *Client) IoTConfig(ctx context.Context) (IoTInfo, error) {
	raw, err := c.Fetch(ctx, http.MethodGet, endpointIoTDeviceInfo, nil)
	if err != nil {
		return IoTInfo{}, fmt.Errorf("iot device info: %w", err)
	}
	var resp struct {
		Ali    *IoTInfo `json:"ali"`
		PetKit *IoTInfo `json:"petkit"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return IoTInfo{}, fmt.Errorf("decode iot device info: %w", err)
	}
	if resp.PetKit != nil && resp.PetKit.usable() {
		return *resp.PetKit, nil
	}
	if resp.Ali != nil && resp.Ali.usable() {
		return *resp.Ali, nil
	}
	return IoTInfo{}, ErrNoIoTConfig
}

// ListenOptions tune Listen.
type ListenOptions struct {
	// RefreshOnEvent runs RefreshDevice for every event naming a known device.
	RefreshOnEvent bool
	// Broker overrides the broker URL, e.g. "tcp://localhost:1883".
	Broker string
}

// Listen subscribes to the account topic until ctx is done.
func (c *Client) Listen(ctx context.Context, opts ListenOptions, handler EventHandler) error {
	info, err := c.IoTConfig(ctx)
	if err != nil {
		return err
	}
	broker := opts.Broker
	if broker == "" {
		broker = brokerURL(info.MQTTHost)
	}

	mopts := mqtt.NewClientOptions()
	mopts.AddBroker(broker)
	if info.StandbyMQTTHost != "" && opts.Broker == "" {
		mopts.AddBroker(brokerURL(info.StandbyMQTTHost))
	}
	mopts.SetClientID(info.ProductKey + "." + info.DeviceName + "-" + uuid.NewString()[:8])
	mopts.SetUsername(info.DeviceName + "&" + info.ProductKey)
	mopts.SetPassword(info.DeviceSecret)
	mopts.SetAutoReconnect(true)
	mopts.SetConnectRetry(true)
	mopts.SetConnectTimeout(10 * time.Second)
	mopts.SetKeepAlive(60 * time.Second)

	topic := info.Topic()
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		event := parseEvent(msg.Topic(), msg.Payload(), c.opts.now())
		eventsTotal.Inc()
		if handler != nil {
			handler(event)
		}
		if opts.RefreshOnEvent && event.DeviceID != 0 {
			go c.refreshForEvent(ctx, event)
		}
	}
	mopts.OnConnect = func(client mqtt.Client) {
		// Subscriptions do not survive a reconnect with a clean session.
		if token := client.Subscribe(topic, 0, onMessage); token.Wait() && token.Error() != nil {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "petkit mqtt subscribe failed",
				slog.String("topic", topic),
				slog.String("error", token.Error().Error()),
			)
			return
		}
		c.logger.LogAttrs(ctx, slog.LevelInfo, "petkit mqtt subscribed", slog.String("topic", topic))
	}
	mopts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "petkit mqtt connection lost", slog.String("error", err.Error()))
	}

	// With connect retry the token only completes once a broker answers, so
	// cancellation has to be watched alongside it.
	client := mqtt.NewClient(mopts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("petkit mqtt connect: %w", err)
		}
	case <-ctx.Done():
		client.Disconnect(0)
		return nil
	}
	<-ctx.Done()
	client.Disconnect(250)
	return nil
}

func (c *Client) refreshForEvent(ctx context.Context, event Event) {
	if _, err := c.RefreshDevice(ctx, event.DeviceID); err != nil {
		if isNotFound(err) {
			return
		}
		c.logger.LogAttrs(ctx, slog.LevelWarn, "petkit refresh after event failed",
			slog.Int64("device_id", event.DeviceID),
			slog.String("error", err.Error()),
		)
	}
}

func parseEvent(topic string, payload []byte, now time.Time) Event {
	event := Event{Topic: topic, Payload: payload, Received: now}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return event
	}
	for _, key := range []string{"deviceId", "device_id", "id"} {
		if id := anyToInt64(body[key]); id != 0 {
			event.DeviceID = id
			break
		}
	}
	for _, key := range []string{"type", "eventType", "msgType"} {
		if v, ok := body[key]; ok {
			event.Type = fmt.Sprint(v)
			break
		}
	}
	return event
}

func anyToInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		id, _ := strconv.ParseInt(n, 10, 64)
		return id
	default:
		return 0
	}
}

func brokerURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "1883")
	}
	return "tcp://" + host
}
