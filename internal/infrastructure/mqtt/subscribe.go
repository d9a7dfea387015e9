package mqtt

import (
	"fmt"
)

// Subscribe routes messages matching topic to handler. The bridge subscribes
// once, to {prefix}/command/+, so every command type reaches the MQTT
// ingress:
//
//	client.Subscribe(client.Topics().AllCommands(), client.QoS(), ingress.HandleMessage)
//
// Handlers must return quickly. A panic or returned error is logged, never
// propagated. The subscription is
// remembered and re-established after a broker reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.trackSubscription(topic, &subscription{topic: topic, qos: qos, handler: handler})

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.trackSubscription(topic, nil)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.trackSubscription(topic, nil)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Unsubscribe stops command delivery for topic. The bridge calls it on
// shutdown, before the device link closes, so no command arrives for a link
// that is going away. Messages already in flight may still be handled.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.trackSubscription(topic, nil)

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// trackSubscription records sub for restoration on reconnect, or forgets
// topic when sub is nil.
func (c *Client) trackSubscription(topic string, sub *subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if sub == nil {
		delete(c.subscriptions, topic)
		return
	}
	c.subscriptions[topic] = *sub
}
