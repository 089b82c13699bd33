// Package mqtt is the MQTT chat channel. rotbot subscribes to
// <base>/in/<chat_id>; each payload (plain text, or JSON with message
// and user_id) becomes an inbound bus message for conversation
// "mqtt:<chat_id>". Final replies are published to <base>/out/<chat_id>.
//
// The channel also presents rotbot to Home Assistant as a device: on
// every (re-)connect it publishes retained discovery configs for a few
// diagnostic sensors and an "online" availability message, and a will
// message flips availability to "offline" on unexpected disconnects.
// Connection management and reconnection come from paho's autopaho.
package mqtt
