package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

// Metric identifies one published measurement.
type Metric string

const (
	Temperature  Metric = "temperature"
	Humidity     Metric = "humidity"
	Formaldehyde Metric = "ch2o"
)

// Entity is one Home Assistant sensor: where its state goes and how it
// is announced.
type Entity struct {
	Metric      Metric
	ConfigTopic string
	Config      SensorConfig
}

// Topics maps metrics to their state topics under a discovery prefix.
type Topics struct {
	prefix string
	device *DeviceInfo
}

// NewTopics returns the topic layout for prefix (normally
// "homeassistant"). device may be nil.
func NewTopics(prefix string, device *DeviceInfo) Topics {
	if prefix == "" {
		prefix = "homeassistant"
	}
	return Topics{prefix: prefix, device: device}
}

// State returns the state topic for m.
func (t Topics) State(m Metric) string {
	switch m {
	case Temperature:
		return t.prefix + "/sensor/dht22/temperature"
	case Humidity:
		return t.prefix + "/sensor/dht22/humidity"
	case Formaldehyde:
		return t.prefix + "/sensor/ze08_ch2o/state"
	default:
		return ""
	}
}

// Entities returns the discovery descriptors for every metric, in
// publish order.
func (t Topics) Entities() []Entity {
	return []Entity{
		{
			Metric:      Temperature,
			ConfigTopic: t.prefix + "/sensor/dht22_temperature/config",
			Config: SensorConfig{
				Name:              "DHT22 Temperature",
				UniqueID:          "dht22_temp_001",
				StateTopic:        t.State(Temperature),
				UnitOfMeasurement: "°C",
				DeviceClass:       "temperature",
				StateClass:        "measurement",
				Device:            t.device,
			},
		},
		{
			Metric:      Humidity,
			ConfigTopic: t.prefix + "/sensor/dht22_humidity/config",
			Config: SensorConfig{
				Name:              "DHT22 Humidity",
				UniqueID:          "dht22_hum_001",
				StateTopic:        t.State(Humidity),
				UnitOfMeasurement: "%",
				DeviceClass:       "humidity",
				StateClass:        "measurement",
				Device:            t.device,
			},
		},
		{
			Metric:      Formaldehyde,
			ConfigTopic: t.prefix + "/sensor/ze08_ch2o/config",
			Config: SensorConfig{
				Name:              "ZE08 CH2O",
				UniqueID:          "ze08_ch2o_001",
				StateTopic:        t.State(Formaldehyde),
				UnitOfMeasurement: "mg/m³",
				DeviceClass:       "volatile_organic_compounds",
				StateClass:        "measurement",
				Device:            t.device,
			},
		},
	}
}

// Publisher is the subset of a session needed to announce entities.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Announce publishes every discovery descriptor, retained. It keeps
// going after a failed publish and returns the first error.
func Announce(ctx context.Context, p Publisher, t Topics) error {
	var first error
	for _, e := range t.Entities() {
		payload, err := json.Marshal(e.Config)
		if err != nil {
			return fmt.Errorf("marshal discovery for %s: %w", e.Metric, err)
		}
		if err := p.Publish(ctx, e.ConfigTopic, payload, true); err != nil && first == nil {
			first = fmt.Errorf("discovery %s: %w", e.Metric, err)
		}
	}
	return first
}
