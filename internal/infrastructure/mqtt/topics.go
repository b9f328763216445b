package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefixDevices is the root of every device channel.
//
// The layout devices/{site}/{device}/{purpose} is fixed by the device
// firmware and must not change.
const TopicPrefixDevices = "devices"

// TopicPrefixStatus is where the backend announces its own online/offline
// status (retained, plus the broker-held will message).
const TopicPrefixStatus = "gymcore/status"

// Channel purposes.
const (
	PurposeCommand = "cmd"
	PurposeAck     = "cmd/ack"
	PurposeState   = "state"
	PurposeEvent   = "event"
	PurposeConfig  = "config"
)

// AckSuffix terminates every acknowledgement topic. The ACK channel is the
// command channel plus this suffix, so devices need no configuration to
// find it.
const AckSuffix = "/" + PurposeAck

// Topics builds device channel names.
//
//	t, _ := mqtt.Topics{}.Command("pasto", "torniquete-1")
//	// devices/pasto/torniquete-1/cmd
type Topics struct{}

func deviceTopic(site, device, purpose string) (string, error) {
	if site == "" || device == "" {
		return "", fmt.Errorf("%w: site and device are required (site=%q device=%q)", ErrInvalidTopic, site, device)
	}
	return TopicPrefixDevices + "/" + site + "/" + device + "/" + purpose, nil
}

// Command returns devices/{site}/{device}/cmd.
func (Topics) Command(site, device string) (string, error) {
	return deviceTopic(site, device, PurposeCommand)
}

// Ack returns devices/{site}/{device}/cmd/ack.
func (Topics) Ack(site, device string) (string, error) {
	return deviceTopic(site, device, PurposeAck)
}

// State returns devices/{site}/{device}/state.
func (Topics) State(site, device string) (string, error) {
	return deviceTopic(site, device, PurposeState)
}

// Event returns devices/{site}/{device}/event.
func (Topics) Event(site, device string) (string, error) {
	return deviceTopic(site, device, PurposeEvent)
}

// Config returns devices/{site}/{device}/config.
func (Topics) Config(site, device string) (string, error) {
	return deviceTopic(site, device, PurposeConfig)
}

// Status returns the backend status topic for a client id.
func (Topics) Status(clientID string) string {
	return TopicPrefixStatus + "/" + clientID
}

// AllEvents matches the event channel of every device on every site.
func (Topics) AllEvents() string {
	return TopicPrefixDevices + "/+/+/" + PurposeEvent
}

// AllAcks matches the ACK channel of every device on every site.
func (Topics) AllAcks() string {
	return TopicPrefixDevices + "/+/+/" + PurposeAck
}

// IsAck reports whether topic is an acknowledgement channel.
func IsAck(topic string) bool {
	return strings.HasSuffix(topic, AckSuffix)
}

// ParseDeviceTopic splits a device topic into its site, device and purpose.
// ok is false for anything outside the devices/ hierarchy.
func ParseDeviceTopic(topic string) (site, device, purpose string, ok bool) {
	parts := strings.SplitN(topic, "/", 4)
	if len(parts) != 4 || parts[0] != TopicPrefixDevices {
		return "", "", "", false
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", false
	}
	switch parts[3] {
	case PurposeCommand, PurposeAck, PurposeState, PurposeEvent, PurposeConfig:
		return parts[1], parts[2], parts[3], true
	default:
		return "", "", "", false
	}
}
