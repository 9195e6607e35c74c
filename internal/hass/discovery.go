package hass

import (
	"strings"

	"github.com/joshp123/gohome-vacuum/internal/vacuum"
)

// Activity values of the Home Assistant MQTT vacuum state schema.
const (
	ActivityCleaning  = "cleaning"
	ActivityDocked    = "docked"
	ActivityPaused    = "paused"
	ActivityIdle      = "idle"
	ActivityReturning = "returning"
	ActivityError     = "error"
)

// Command payloads accepted on the command topic.
const (
	CommandStart        = "start"
	CommandPause        = "pause"
	CommandStop         = "stop"
	CommandReturnToBase = "return_to_base"
	CommandCleanSpot    = "clean_spot"
	CommandLocate       = "locate"
	CommandStartPause   = "start_pause"
)

type DiscoveryConfig struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	ObjectID            string          `json:"object_id"`
	Schema              string          `json:"schema"`
	Icon                string          `json:"icon,omitempty"`
	Platform            string          `json:"platform"`
	Device              DiscoveryDevice `json:"device"`
	AvailabilityTopic   string          `json:"availability_topic"`
	PayloadAvailable    string          `json:"payload_available"`
	PayloadNotAvailable string          `json:"payload_not_available"`
	StateTopic          string          `json:"state_topic"`
	JSONAttributesTopic string          `json:"json_attributes_topic"`
	CommandTopic        string          `json:"command_topic"`
	SetFanSpeedTopic    string          `json:"set_fan_speed_topic,omitempty"`
	SendCommandTopic    string          `json:"send_command_topic,omitempty"`
	FanSpeedList        []string        `json:"fan_speed_list,omitempty"`
	SupportedFeatures   []string        `json:"supported_features"`
}

type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
}

// StatePayload is published on the state topic after every refresh.
type StatePayload struct {
	State        string `json:"state"`
	BatteryLevel *int   `json:"battery_level,omitempty"`
	FanSpeed     string `json:"fan_speed,omitempty"`
}

// Attributes carries the raw Roborock status label next to the HA activity.
type Attributes struct {
	Status    string `json:"status,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// mqttFeatures maps capability flags onto the MQTT vacuum feature names.
// TURN_ON, TURN_OFF, MAP and STATE have no MQTT counterpart.
var mqttFeatures = []struct {
	flag vacuum.Feature
	name string
}{
	{vacuum.FeatureStart, "start"},
	{vacuum.FeatureStop, "stop"},
	{vacuum.FeaturePause, "pause"},
	{vacuum.FeatureReturnHome, "return_home"},
	{vacuum.FeatureBattery, "battery"},
	{vacuum.FeatureStatus, "status"},
	{vacuum.FeatureLocate, "locate"},
	{vacuum.FeatureCleanSpot, "clean_spot"},
	{vacuum.FeatureFanSpeed, "fan_speed"},
	{vacuum.FeatureSendCommand, "send_command"},
}

// SupportedFeatures lists the MQTT feature names for a capability set.
func SupportedFeatures(f vacuum.Feature) []string {
	out := make([]string, 0, len(mqttFeatures))
	for _, entry := range mqttFeatures {
		if f.Has(entry.flag) {
			out = append(out, entry.name)
		}
	}
	return out
}

// ObjectID is the topic-safe id of an entity.
func ObjectID(v Vacuum) string {
	return strings.ToLower(v.Device().DUID)
}

// Discovery builds the retained discovery document for one vacuum.
func Discovery(topics Topics, v Vacuum) DiscoveryConfig {
	id := ObjectID(v)
	info := v.DeviceInfo()
	identifiers := make([]string, 0, len(info.Identifiers))
	for _, pair := range info.Identifiers {
		identifiers = append(identifiers, pair[0]+"_"+pair[1])
	}
	features := v.Capabilities()
	cfg := DiscoveryConfig{
		Name:                v.Name(),
		UniqueID:            v.UniqueID(),
		ObjectID:            id,
		Schema:              "state",
		Icon:                v.Icon(),
		Platform:            "mqtt",
		AvailabilityTopic:   topics.BridgeState(),
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,
		StateTopic:          topics.State(id),
		JSONAttributesTopic: topics.Attributes(id),
		CommandTopic:        topics.Command(id),
		SupportedFeatures:   SupportedFeatures(features),
		Device: DiscoveryDevice{
			Identifiers:  identifiers,
			Manufacturer: info.Manufacturer,
			Model:        info.Model,
			Name:         info.Name,
		},
	}
	if features.Has(vacuum.FeatureFanSpeed) {
		cfg.SetFanSpeedTopic = topics.SetFanSpeed(id)
		cfg.FanSpeedList = v.FanSpeedList()
	}
	if features.Has(vacuum.FeatureSendCommand) {
		cfg.SendCommandTopic = topics.SendCommand(id)
	}
	return cfg
}

// State derives the state payload from the entity's current snapshot.
func State(v Vacuum) StatePayload {
	label, _ := v.Status()
	payload := StatePayload{State: Activity(label)}
	if battery, ok := v.BatteryLevel(); ok {
		payload.BatteryLevel = &battery
	}
	if fan, ok := v.FanSpeed(); ok {
		payload.FanSpeed = fan
	}
	return payload
}

// Activity maps a Roborock status label onto the HA vacuum activity.
func Activity(label string) string {
	switch {
	case label == "paused":
		return ActivityPaused
	case label == "error", label == "device_offline", label == "charger_disconnected", label == "charging_problem":
		return ActivityError
	case label == "returning_home", label == "docking", label == "going_to_wash_the_mop":
		return ActivityReturning
	case label == "charging", label == "charging_complete", label == "emptying_the_bin",
		label == "air_drying_stopping", label == "back_to_dock_washing_duster",
		strings.HasPrefix(label, "washing_the_mop"):
		return ActivityDocked
	case label == "starting", label == "remote_control_active", label == "manual_mode",
		label == "going_to_target", label == "mapping", label == "patrol",
		strings.HasSuffix(label, "cleaning"), strings.HasSuffix(label, "mopping"):
		return ActivityCleaning
	default:
		return ActivityIdle
	}
}
