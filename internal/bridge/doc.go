// Package bridge connects the Buspro gateway to MQTT.
//
// It publishes decoded channel state as retained JSON messages, accepts
// channel commands from consumers, publishes the discovered device
// catalog, and optionally records status history to InfluxDB.
//
// Topics:
//
//	buspro/state/{subnet}/{device}/{channel}    retained channel state
//	buspro/command/{subnet}/{device}/{channel}  incoming commands
//	buspro/discovery                            retained device catalog
//
// Commands are JSON objects such as:
//
//	{"command": "on"}
//	{"command": "dim", "parameters": {"level": 50}}
//	{"command": "scene", "parameters": {"area": 1, "scene": 2}}
package bridge
