// Package events carries the internal notifications that flow into the BFT
// task's single bounded channel: certificate insertions, round timers and
// ledger commits. Every consensus-facing component is single-writer, so
// these events are the only cross-component signal besides direct calls.
package events

import (
	"log"
	"sync"
)

// EventType labels what happened.
type EventType string

const (
	// EventCertificateInserted fires when storage admits a new certificate
	// into the DAG.
	EventCertificateInserted EventType = "certificate_inserted"
	// EventRoundAdvanced names a local round increment; no component in
	// this module emits it.
	EventRoundAdvanced EventType = "round_advanced"
	// EventTimerExpired fires when a round's leader-wait timer elapses
	// without a commit.
	EventTimerExpired EventType = "timer_expired"
	// EventLedgerCommitted fires once AddNextBlock has returned
	// successfully for a committed anchor history.
	EventLedgerCommitted EventType = "ledger_committed"
	// EventEquivocationDetected fires when storage rejects two certificates
	// from the same author at the same round.
	EventEquivocationDetected EventType = "equivocation_detected"
	// EventSyncStateChanged fires when the sync engine transitions between
	// Idle and Syncing.
	EventSyncStateChanged EventType = "sync_state_changed"
	// EventMissingParents fires when storage rejects a certificate because
	// one or more of its previous-certificate entries aren't stored yet, so
	// the sync engine can fetch them via CertificateRequest.
	EventMissingParents EventType = "missing_parents"
)

// Event carries a typed payload emitted after a state change. Data holds
// fields specific to Type (e.g. "author", "certificate_id") rather than a
// dedicated struct per event, mirroring the single dispatch point the BFT
// event loop already has for channel receives.
type Event struct {
	Type  EventType      `json:"type"`
	Round uint64         `json:"round"`
	Data  map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot crash the node or halt block production.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] handler panicked for %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}
