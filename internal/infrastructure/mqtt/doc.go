// Package mqtt provides the bridge's optional MQTT connectivity.
//
// When enabled, the bridge mirrors the device link state to a retained
// topic and accepts control messages over MQTT as well as WebSocket:
//
//	robotbridge/status          {"robot_connected":true,"timestamp":"..."}  (retained)
//	robotbridge/system/status   online / offline, with an offline Last Will
//	robotbridge/command/{type}  {"pan":10,"tilt":0}  →  same dispatch as /ws
//
// The client wraps paho.mqtt.golang with auto-reconnect, subscription
// restore after reconnect, and panic recovery around handlers.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllCommands(), client.QoS(), ingress.HandleMessage)
package mqtt
