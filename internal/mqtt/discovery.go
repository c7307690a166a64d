//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"atlas-audio-control/internal/control"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/number/atlas_amp_1/zone_0_gain/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	Min               float64  `json:"min,omitempty"`
	Max               float64  `json:"max,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(deviceID string) string {
	return "atlas_" + deviceID
}

// zoneCommandTopic builds the per-entity command topic HA platforms publish
// bare values to.
func zoneCommandTopic(prefix, deviceID string, zone int, entity string) string {
	return fmt.Sprintf("%s/%s/zones/%d/%s/set", prefix, deviceID, zone, entity)
}

// buildDiscovery produces HA autodiscovery configs for one processor: a
// number entity per zone gain and a switch per zone mute.
func buildDiscovery(ep control.DeviceEndpoint, caps control.ModelCaps, prefix string) []discoveryMsg {
	dev := haDevice{
		Identifiers:  []string{deviceIdentifier(ep.ID)},
		Manufacturer: "AtlasIED",
		Model:        ep.Model,
		Name:         ep.ID,
	}
	stateTopic := prefix + "/" + ep.ID
	availTopic := prefix + "/" + ep.ID + "/availability"

	var msgs []discoveryMsg
	for zone := 0; zone < caps.Zones; zone++ {
		gain := haDiscovery{
			Name:              fmt.Sprintf("%s zone %d gain", ep.ID, zone),
			UniqueID:          fmt.Sprintf("%s_zone_%d_gain", deviceIdentifier(ep.ID), zone),
			StateTopic:        stateTopic,
			CommandTopic:      zoneCommandTopic(prefix, ep.ID, zone, "gain"),
			AvailabilityTopic: availTopic,
			ValueTemplate:     fmt.Sprintf("{{ value_json.zone_%d_gain }}", zone),
			UnitOfMeasurement: "%",
			Max:               100,
			Device:            dev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/number/%s/zone_%d_gain/config", deviceIdentifier(ep.ID), zone),
			Payload: mustJSON(gain),
		})

		mute := haDiscovery{
			Name:              fmt.Sprintf("%s zone %d mute", ep.ID, zone),
			UniqueID:          fmt.Sprintf("%s_zone_%d_mute", deviceIdentifier(ep.ID), zone),
			StateTopic:        stateTopic,
			CommandTopic:      zoneCommandTopic(prefix, ep.ID, zone, "mute"),
			AvailabilityTopic: availTopic,
			ValueTemplate:     fmt.Sprintf("{{ value_json.zone_%d_mute }}", zone),
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			StateOn:           "ON",
			StateOff:          "OFF",
			Device:            dev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/switch/%s/zone_%d_mute/config", deviceIdentifier(ep.ID), zone),
			Payload: mustJSON(mute),
		})
	}
	return msgs
}
