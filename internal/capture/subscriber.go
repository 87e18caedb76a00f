// Package capture is the boundary to the external capture sources. It
// receives raw observations, validates them, and hands them to the pipeline.
// Delivery from the feed is at-least-once; downstream components dedupe
// where they need to.
package capture

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Intake is the slice of the pipeline the capture boundary feeds.
type Intake interface {
	Network(ev model.NetworkEvent) error
	Process(obs model.ProcessObservation) error
	FileAccess(ev model.FileAccessEvent) error
}

// Subscriber consumes observation subjects from NATS. Malformed items are
// discarded and counted; they never abort the pipeline.
type Subscriber struct {
	nc      *nats.Conn
	prefix  string
	intake  Intake
	logger  *slog.Logger
	reject  func()
	schemas map[string]*jsonschema.Schema

	subs []*nats.Subscription
}

// NewSubscriber compiles the observation schemas and prepares the subscriber.
// onReject (may be nil) is invoked once per discarded observation.
func NewSubscriber(nc *nats.Conn, prefix string, intake Intake, onReject func(), logger *slog.Logger) (*Subscriber, error) {
	if onReject == nil {
		onReject = func() {}
	}
	schemas := make(map[string]*jsonschema.Schema, 3)
	for name, file := range map[string]string{
		"network": "schemas/network_event.json",
		"process": "schemas/process_observation.json",
		"file":    "schemas/file_access_event.json",
	} {
		data, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", file, err)
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(name+".json", bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
		}
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		schemas[name] = schema
	}

	return &Subscriber{
		nc:      nc,
		prefix:  prefix,
		intake:  intake,
		logger:  logger,
		reject:  onReject,
		schemas: schemas,
	}, nil
}

// Subscribe attaches the observation handlers. Subscriptions stay active
// until Drain is called.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	handlers := map[string]nats.MsgHandler{
		s.prefix + ".network": s.handleNetwork,
		s.prefix + ".process": s.handleProcess,
		s.prefix + ".file":    s.handleFile,
	}
	for subject, handler := range handlers {
		sub, err := s.nc.QueueSubscribe(subject, "sovd-core", handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		s.logger.Info("subscribed to observation feed", "subject", subject)
	}
	return nil
}

// Drain unsubscribes and lets in-flight handlers finish.
func (s *Subscriber) Drain() {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Warn("failed to drain subscription", "error", err)
		}
	}
}

func (s *Subscriber) handleNetwork(msg *nats.Msg) {
	if !s.validate("network", msg.Data) {
		return
	}
	var ev model.NetworkEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.discard("network", err)
		return
	}
	if err := ev.Validate(); err != nil {
		s.discard("network", err)
		return
	}
	if err := s.intake.Network(ev); err != nil {
		s.logger.Warn("pipeline refused network event", "error", err)
	}
}

func (s *Subscriber) handleProcess(msg *nats.Msg) {
	if !s.validate("process", msg.Data) {
		return
	}
	var obs model.ProcessObservation
	if err := json.Unmarshal(msg.Data, &obs); err != nil {
		s.discard("process", err)
		return
	}
	if err := obs.Validate(); err != nil {
		s.discard("process", err)
		return
	}
	if err := s.intake.Process(obs); err != nil {
		s.logger.Warn("pipeline refused process observation", "error", err)
	}
}

func (s *Subscriber) handleFile(msg *nats.Msg) {
	if !s.validate("file", msg.Data) {
		return
	}
	var ev model.FileAccessEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.discard("file", err)
		return
	}
	if err := ev.Validate(); err != nil {
		s.discard("file", err)
		return
	}
	if err := s.intake.FileAccess(ev); err != nil {
		s.logger.Warn("pipeline refused file access event", "error", err)
	}
}

// validate checks raw bytes against the named schema before decoding.
func (s *Subscriber) validate(kind string, data []byte) bool {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		s.discard(kind, err)
		return false
	}
	if err := s.schemas[kind].Validate(doc); err != nil {
		s.discard(kind, err)
		return false
	}
	return true
}

func (s *Subscriber) discard(kind string, err error) {
	s.reject()
	s.logger.Warn("discarded malformed observation", "type", kind, "error", err)
}
