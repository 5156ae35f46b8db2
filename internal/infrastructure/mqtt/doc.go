// Package mqtt connects savantaudio to an MQTT broker.
//
// The client wraps paho.mqtt.golang with reconnect-safe subscriptions, a
// retained health topic with a Last Will, and panic-safe handlers. Topic
// names live in topics.go; the zone bridge in internal/bridges/savant is the
// only publisher of zone traffic.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
