package events

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"
)

// StdoutWriter logs every event. Used when no sink is configured.
type StdoutWriter struct{}

func (s *StdoutWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	zap.S().Named("stdout_writer").Infow("event wrote", "type", e.Type(), "topic", topic, "data", string(e.Data()))
	return nil
}

func (s *StdoutWriter) Close(_ context.Context) error {
	return nil
}

// HTTPWriter posts events in binary mode to a CloudEvents HTTP sink.
type HTTPWriter struct {
	client cloudevents.Client
}

func NewHTTPWriter(target string) (*HTTPWriter, error) {
	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(target))
	if err != nil {
		return nil, fmt.Errorf("creating cloudevents client: %w", err)
	}
	return &HTTPWriter{client: client}, nil
}

func (h *HTTPWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	e.SetExtension("topic", topic)
	if result := h.client.Send(ctx, e); !cloudevents.IsACK(result) {
		return fmt.Errorf("sending event %s: %w", e.ID(), result)
	}
	return nil
}

func (h *HTTPWriter) Close(_ context.Context) error {
	return nil
}

// NewWriter picks the writer for a sink: "stdout" logs events, anything else is an HTTP target.
func NewWriter(sink string) (Writer, error) {
	if sink == "stdout" {
		return &StdoutWriter{}, nil
	}
	return NewHTTPWriter(sink)
}
