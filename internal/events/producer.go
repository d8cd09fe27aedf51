package events

import (
	"context"
	"io"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ReportMessageKind string = "heap-monitor.events.report"
	defaultTopic      string = "heap-monitor.events"
	defaultSource     string = "heap-monitor"

	closeTimeout       = 5 * time.Second
	defaultSendTimeout = 10 * time.Second
)

// Writer is the interface to be implemented by the underlying writer.
type Writer interface {
	Write(ctx context.Context, topic string, e cloudevents.Event) error
	Close(ctx context.Context) error
}

// EventProducer is a wrapper around a Writer with the buffer.
// Write never waits for the writer: messages are buffered and sent by a single goroutine in order.
type EventProducer struct {
	buffer    *buffer
	wakeupCh  chan struct{}
	doneCh    chan struct{}
	stoppedCh chan struct{}
	closeOnce sync.Once
	writer    Writer
	topic       string
	source      string
	sendTimeout time.Duration
}

func NewEventProducer(w Writer, opts ...ProducerOptions) *EventProducer {
	ep := &EventProducer{
		buffer:    newBuffer(),
		wakeupCh:  make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		writer:    w,
		topic:       defaultTopic,
		source:      defaultSource,
		sendTimeout: defaultSendTimeout,
	}

	for _, o := range opts {
		o(ep)
	}

	go ep.run()
	return ep
}

func (ep *EventProducer) Write(_ context.Context, kind string, body io.Reader) error {
	d, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	if ep.buffer.PushBack(&message{Kind: kind, Data: d}) == 1 {
		ep.wakeup()
	}

	return nil
}

// Pending returns the number of buffered messages not yet handed to the writer.
func (ep *EventProducer) Pending() int {
	return ep.buffer.Size()
}

// Close sends the buffered messages and closes the writer. Messages still pending after
// the close timeout are dropped.
func (ep *EventProducer) Close() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	ep.closeOnce.Do(func() { close(ep.doneCh) })

	select {
	case <-ep.stoppedCh:
	case <-closeCtx.Done():
		zap.S().Named("event_producer").Warnw("dropping pending events", "count", ep.buffer.Size())
	}

	if err := ep.writer.Close(closeCtx); err != nil {
		zap.S().Named("event_producer").Errorf("event producer closed with error: %s", err)
		return err
	}

	zap.S().Named("event_producer").Info("event producer closed")

	return nil
}

func (ep *EventProducer) run() {
	defer close(ep.stoppedCh)

	for {
		msg := ep.buffer.Pop()
		if msg == nil {
			select {
			case <-ep.wakeupCh:
				continue
			case <-ep.doneCh:
				// drain what arrived before close
				if ep.buffer.Size() > 0 {
					continue
				}
				return
			}
		}

		e := cloudevents.NewEvent()
		e.SetID(uuid.NewString())
		e.SetSource(ep.source)
		e.SetType(msg.Kind)
		e.SetTime(time.Now())
		_ = e.SetData(*cloudevents.StringOfApplicationJSON(), msg.Data)

		ep.send(e)
	}
}

// send bounds a single write so a stalled sink cannot hold back later events.
func (ep *EventProducer) send(e cloudevents.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), ep.sendTimeout)
	defer cancel()
	if err := ep.writer.Write(ctx, ep.topic, e); err != nil {
		zap.S().Named("event_producer").Errorw("failed to send message", "error", err, "event", e.ID(), "type", e.Type())
	}
}

func (ep *EventProducer) wakeup() {
	select {
	case ep.wakeupCh <- struct{}{}:
	default:
	}
}
