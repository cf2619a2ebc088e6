package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkerType identifies the kind of answer-producing worker
type WorkerType string

const (
	WorkerTypeTutor      WorkerType = "tutor"
	WorkerTypeContent    WorkerType = "content"
	WorkerTypeAssessment WorkerType = "assessment"
	WorkerTypeFeedback   WorkerType = "feedback"
)

// AllWorkerTypes returns the closed set of known worker types
func AllWorkerTypes() []WorkerType {
	return []WorkerType{
		WorkerTypeTutor,
		WorkerTypeContent,
		WorkerTypeAssessment,
		WorkerTypeFeedback,
	}
}

// IsValid reports whether the worker type is one of the known set
func (t WorkerType) IsValid() bool {
	switch t {
	case WorkerTypeTutor, WorkerTypeContent, WorkerTypeAssessment, WorkerTypeFeedback:
		return true
	}
	return false
}

func (t WorkerType) String() string {
	return string(t)
}

// WorkerStatus represents the lifecycle state of a registered worker
type WorkerStatus string

const (
	WorkerStatusActive WorkerStatus = "active"
	WorkerStatusIdle   WorkerStatus = "idle"
	WorkerStatusBusy   WorkerStatus = "busy"
	WorkerStatusError  WorkerStatus = "error"
)

// WorkerDescriptor describes a registered worker
type WorkerDescriptor struct {
	ID            string       `json:"id"`
	Type          WorkerType   `json:"type"`
	Status        WorkerStatus `json:"status"`
	Capabilities  []string     `json:"capabilities"`
	MaxConcurrent int          `json:"max_concurrent"`
	LastSeen      time.Time    `json:"last_seen"`
}

// HasCapability reports whether the worker advertises the given capability tag
func (d *WorkerDescriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if strings.EqualFold(c, tag) {
			return true
		}
	}
	return false
}

// EnvelopeKind classifies dispatch envelopes
type EnvelopeKind string

const (
	EnvelopeRequest     EnvelopeKind = "request"
	EnvelopeResponse    EnvelopeKind = "response"
	EnvelopeBroadcast   EnvelopeKind = "broadcast"
	EnvelopeHealthCheck EnvelopeKind = "health_check"
)

// Envelope is the unit delivered over the dispatch channel
type Envelope struct {
	ID            string       `json:"id"`
	From          string       `json:"from"`
	To            string       `json:"to"`
	Kind          EnvelopeKind `json:"kind"`
	Payload       interface{}  `json:"payload"`
	Timestamp     time.Time    `json:"timestamp"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

// NewEnvelope creates a request envelope with a fresh ID and timestamp
func NewEnvelope(from, to string, kind EnvelopeKind, payload interface{}) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Reply builds a response envelope correlated to the request
func (e *Envelope) Reply(payload interface{}) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		From:          e.To,
		To:            e.From,
		Kind:          EnvelopeResponse,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: e.ID,
	}
}

// Message is the inbound user message the coordination layer operates on
type Message struct {
	ID        string                 `json:"id"`
	Sender    string                 `json:"sender"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh ID and timestamp
func NewMessage(sender, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// ReplyMetadata carries content hints attached to a worker reply
type ReplyMetadata struct {
	HasCode bool `json:"has_code"`
	HasMath bool `json:"has_math"`
	Merged  bool `json:"merged"`
}

// WorkerReply is a single worker's answer to a coordinated request
type WorkerReply struct {
	WorkerID   string        `json:"worker_id"`
	WorkerType WorkerType    `json:"worker_type"`
	Content    string        `json:"content"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ms"`
	Metadata   ReplyMetadata `json:"metadata"`
}

// CoordinationRequest asks the coordinator to resolve one inbound message
type CoordinationRequest struct {
	SessionID string                 `json:"session_id"`
	Message   *Message               `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Priority  int                    `json:"priority"`
}

// CoordinationResponse is the aggregated outcome of a coordinated request
type CoordinationResponse struct {
	Replies         []WorkerReply `json:"replies"`
	Aggregated      *WorkerReply  `json:"aggregated,omitempty"`
	InvolvedWorkers []string      `json:"involved_workers"`
	Elapsed         time.Duration `json:"elapsed_ms"`
	Success         bool          `json:"success"`
	Errors          []string      `json:"errors,omitempty"`
}
