// Package mqtt provides the broker link for VoltGrid Core.
//
// It wraps the Eclipse Paho MQTT client with:
//   - Connection management with fixed-period reconnection
//   - Last Will and Testament for offline detection
//   - Subscription tracking with automatic re-subscription on reconnect
//   - Topic builders for the devices/{department}/{device_id}/{channel} scheme
//   - Panic-safe message handler wrapping
//
// # Delivery guarantees
//
// The client connects with a clean session, so the broker retains no queue
// for this subscriber: messages published while the core is disconnected are
// lost to this process. Subscriptions use QoS 1 ("at least once within
// session"), so duplicates are possible and downstream consumers must be
// idempotent.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{}
//	client.Subscribe(topics.AllDeviceData(), 1, handleData)
package mqtt
