package mqtt

import "github.com/nugget/sensorgate/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across all discovery payloads, so HA groups the entities under one
// device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload of an HA MQTT sensor discovery
// message.
type SensorConfig struct {
	Name              string      `json:"name"`
	UniqueID          string      `json:"unique_id"`
	StateTopic        string      `json:"state_topic"`
	UnitOfMeasurement string      `json:"unit_of_measurement"`
	DeviceClass       string      `json:"device_class"`
	StateClass        string      `json:"state_class"`
	Device            *DeviceInfo `json:"device,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name. An empty name yields nil, which
// leaves the entities ungrouped.
func NewDeviceInfo(instanceID, deviceName string) *DeviceInfo {
	if deviceName == "" {
		return nil
	}
	return &DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Sensorgate",
		Model:        "DHT22 + ZE08-CH2O node",
		SWVersion:    buildinfo.Version,
	}
}
