// Package events publishes operator-visible notifications: a finished
// regeneration batch and a settings change.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// Detail types.
const (
	TypeBatchProcessed  = "BatchProcessed"
	TypeSettingsUpdated = "SettingsUpdated"
)

// BatchProcessed is emitted after every regeneration batch.
type BatchProcessed struct {
	RequestID string    `json:"requestId,omitempty"`
	Offset    int       `json:"offset"`
	Limit     int       `json:"limit"`
	Processed int       `json:"processed"`
	Errors    int       `json:"errors"`
	At        time.Time `json:"at"`
}

// SettingsUpdated is emitted when the settings record is written.
type SettingsUpdated struct {
	RequestID string         `json:"requestId,omitempty"`
	Settings  map[string]any `json:"settings"`
	Reset     bool           `json:"reset,omitempty"`
	At        time.Time      `json:"at"`
}

// Publisher sends one event. Callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, detailType string, detail any) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

type putEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgePublisher puts events on an EventBridge bus.
type EventBridgePublisher struct {
	client  putEventsAPI
	busName string
	source  string
}

var _ Publisher = (*EventBridgePublisher)(nil)

func NewEventBridgePublisher(client putEventsAPI, busName, source string) *EventBridgePublisher {
	if source == "" {
		source = "webpeasy"
	}
	return &EventBridgePublisher{client: client, busName: busName, source: source}
}

func (p *EventBridgePublisher) Publish(ctx context.Context, detailType string, detail any) error {
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", detailType, err)
	}

	input := &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{
			{
				EventBusName: aws.String(p.busName),
				Source:       aws.String(p.source),
				DetailType:   aws.String(detailType),
				Detail:       aws.String(string(body)),
			},
		},
	}

	result, err := p.client.PutEvents(ctx, input)
	if err != nil {
		log.Error().Err(err).Str("detailType", detailType).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Str("detailType", detailType).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
			}
		}
	}

	log.Debug().Str("detailType", detailType).Str("bus", p.busName).Msg("Event published")
	return nil
}
