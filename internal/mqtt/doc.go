// Package mqtt publishes the agent's status to an MQTT broker as a
// Home Assistant device: availability, executor connectivity, and
// daily tool call counters.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity and a birth message ("online") to the
// availability topic. A will message moves the availability topic to
// "offline" on unexpected disconnects.
package mqtt
