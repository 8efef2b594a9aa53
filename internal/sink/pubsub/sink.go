// Package pubsub publishes every extracted item as one Pub/Sub message.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/multierr"
	"google.golang.org/api/option"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/telemetry"
)

// Config names the destination topic and the attributes stamped on messages.
type Config struct {
	ProjectID string
	TopicID   string
	RunID     string
	Site      string
}

// Sink publishes items to a topic.
type Sink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	attrs  map[string]string
	owned  bool
}

// Dial creates a client for cfg.ProjectID and checks that the topic exists.
func Dial(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Sink, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	s, err := New(ctx, client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(ctx context.Context, client *pubsub.Client, cfg Config) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", cfg.TopicID, err)
	}
	if !ok {
		return nil, fmt.Errorf("topic %s does not exist", cfg.TopicID)
	}
	attrs := map[string]string{}
	if cfg.RunID != "" {
		attrs["run_id"] = cfg.RunID
	}
	if cfg.Site != "" {
		attrs["site"] = cfg.Site
	}
	return &Sink{client: client, topic: topic, attrs: attrs}, nil
}

// Save publishes the batch and waits for every result. The error lists each
// failed publish; successful ones are not rolled back.
func (s *Sink) Save(ctx context.Context, batch []crawler.Item) error {
	// Encode the whole batch first so a bad item publishes nothing.
	payloads := make([][]byte, 0, len(batch))
	for i, item := range batch {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item %d: %w", i, err)
		}
		payloads = append(payloads, data)
	}
	results := make([]*pubsub.PublishResult, 0, len(payloads))
	for _, data := range payloads {
		msg := &pubsub.Message{Data: data, Attributes: make(map[string]string, len(s.attrs)+2)}
		for k, v := range s.attrs {
			msg.Attributes[k] = v
		}
		telemetry.Inject(ctx, msg.Attributes)
		results = append(results, s.topic.Publish(ctx, msg))
	}
	var errs error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("publish to %s: %w", s.topic.ID(), errs)
	}
	return nil
}

// Close flushes outstanding messages and releases the client when the sink
// created it.
func (s *Sink) Close(context.Context) error {
	s.topic.Stop()
	if s.owned {
		return s.client.Close()
	}
	return nil
}
