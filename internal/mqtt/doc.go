// Package mqtt bridges chatrelay to an MQTT broker.
//
// Outbound, the bridge keeps a retained availability topic ("online",
// with an "offline" will message for unexpected disconnects), publishes
// retained state values (uptime, model, conversation count, tokens used
// today) on a fixed interval, and can forward every operational event
// as JSON. Inbound, it can subscribe to <base>/utterances/+ and answer
// each message on <base>/replies/<conversation>, making MQTT another way
// into the relay alongside Discord and the HTTP API.
//
// Connection management uses Eclipse Paho v2's [autopaho] package, which
// reconnects automatically; availability and subscriptions are
// re-established on every (re-)connect.
package mqtt
