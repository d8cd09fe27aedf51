package events

import "time"

type ProducerOptions func(e *EventProducer)

func WithOutputTopic(topic string) ProducerOptions {
	return func(e *EventProducer) {
		e.topic = topic
	}
}

func WithSource(source string) ProducerOptions {
	return func(e *EventProducer) {
		e.source = source
	}
}

func WithSendTimeout(timeout time.Duration) ProducerOptions {
	return func(e *EventProducer) {
		if timeout > 0 {
			e.sendTimeout = timeout
		}
	}
}
