// Package crosswalk resolves de-identified patient/study identifiers
// through a configured Honest Broker and derives the per-patient date
// shift used by the anonymizer (spec.md §4.4).
package crosswalk

import (
	"context"

	"github.com/dicomflow/gateway/dicom"
)

// Broker resolves identifiers and date shifts for one named broker
// backend. A Route's RouteDestination names the broker it uses by
// BrokerName; the Registry below dispatches to the matching Broker.
type Broker interface {
	// Lookup returns the de-identified output ID for inputID, creating and
	// persisting a new mapping on first sight.
	Lookup(ctx context.Context, inputID string, idType dicom.CrosswalkIDType) (outputID string, err error)

	// DateShift returns the deterministic per-patient day offset applied
	// to every date/time tag during anonymization.
	DateShift(ctx context.Context, inputID string) (days int, err error)
}

// Registry dispatches to the Broker registered under each BrokerName.
type Registry struct {
	brokers map[string]Broker
}

func NewRegistry() *Registry {
	return &Registry{brokers: make(map[string]Broker)}
}

func (r *Registry) Register(name string, b Broker) {
	r.brokers[name] = b
}

func (r *Registry) Get(name string) (Broker, bool) {
	b, ok := r.brokers[name]
	return b, ok
}
