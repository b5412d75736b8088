// Package mqtt publishes routing status to an MQTT broker. Switchyard
// appears as a Home Assistant device with diagnostic sensors (version,
// uptime, daily request counts, last strategy and last fallback reason)
// and streams per-request stage transitions to a status topic.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads and a
// birth message ("online") to the availability topic. A will message
// moves the availability topic to "offline" on unexpected disconnects.
package mqtt
