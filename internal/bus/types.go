package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with generated IDs.
func NewBaseEvent(producer, schemaVersion string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: schemaVersion,
		Producer:      producer,
		TraceID:       uuid.New().String()[:16],
	}
}

// EventType classifies an on-chain observation.
type EventType string

const (
	EventTokenMint      EventType = "token_mint"
	EventLiquidityPool  EventType = "liquidity_pool"
	EventMetadataUpdate EventType = "metadata_update"
	EventLiquidityAdded EventType = "liquidity_added"
	EventTokenAccount   EventType = "token_account"
)

// AllEventTypes lists every event type in a stable order.
func AllEventTypes() []EventType {
	return []EventType{
		EventTokenMint,
		EventLiquidityPool,
		EventMetadataUpdate,
		EventLiquidityAdded,
		EventTokenAccount,
	}
}

// --- Discovery Events ---

// TokenEvent is a normalized on-chain observation of a candidate token.
// Published once and never mutated afterwards.
type TokenEvent struct {
	BaseEvent
	Type         EventType       `json:"event_type"`
	TokenAddress string          `json:"token_address"`
	Source       string          `json:"source"`    // token_program|raydium|orca|meteora|pumpfun
	Signature    string          `json:"signature"` // transaction that produced the event
	Slot         uint64          `json:"slot"`
	LatencyMs    int64           `json:"latency_ms"`
	RawData      json.RawMessage `json:"raw_data,omitempty"`
}

// NewTokenEvent stamps a TokenEvent with a fresh BaseEvent.
func NewTokenEvent(eventType EventType, tokenAddress, source string) TokenEvent {
	return TokenEvent{
		BaseEvent:    NewBaseEvent("event-listener", "1.0.0"),
		Type:         eventType,
		TokenAddress: tokenAddress,
		Source:       source,
	}
}

// --- Heartbeat ---

type Heartbeat struct {
	BaseEvent
	Component string             `json:"component"`
	Status    string             `json:"status"` // healthy|degraded|unhealthy|starting
	Uptime    time.Duration      `json:"uptime_seconds"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}
