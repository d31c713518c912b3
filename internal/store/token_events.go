package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
)

var ErrBrokenChain = errors.New("token event chain broken")

type TokenEvent struct {
	TokenID   string          `json:"token_id"`
	TokenSeq  int             `json:"token_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeTokenEventHash(prevHash, tokenID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, tokenID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTokenEvent links a new event onto the chain ending at last (nil for the
// first event of a token).
func NextTokenEvent(last *TokenEvent, tokenID, eventType string, payload json.RawMessage, createdAt time.Time) TokenEvent {
	seq := 1
	prev := ""
	if last != nil {
		seq = last.TokenSeq + 1
		prev = last.Hash
	}
	return TokenEvent{
		TokenID:   tokenID,
		TokenSeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      ComputeTokenEventHash(prev, tokenID, eventType, payload, createdAt, seq),
	}
}

func VerifyChain(events []TokenEvent) error {
	prev := ""
	for i, event := range events {
		if event.TokenSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, event.TokenSeq, i)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, event.TokenSeq)
		}
		want := ComputeTokenEventHash(prev, event.TokenID, event.Type, event.Payload, event.CreatedAt, event.TokenSeq)
		if event.Hash != want {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBrokenChain, event.TokenSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateToken(events []TokenEvent) (models.Token, error) {
	var token models.Token
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload models.Token
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Token{}, err
		}
		if payload.TokenID != "" {
			token.TokenID = payload.TokenID
		}
		if payload.OrganizationID != "" {
			token.OrganizationID = payload.OrganizationID
		}
		if payload.Number != "" {
			token.Number = payload.Number
			token.Sequence = payload.Sequence
		}
		if payload.CustomerType != "" {
			token.CustomerType = payload.CustomerType
		}
		if payload.Status != "" {
			token.Status = payload.Status
		}
		token.Priority = payload.Priority
		if !payload.CreatedAt.IsZero() {
			token.CreatedAt = payload.CreatedAt
		}
		if payload.CounterID != nil {
			token.CounterID = payload.CounterID
		}
		if payload.ServedBy != nil {
			token.ServedBy = payload.ServedBy
		}
		if payload.Notes != "" {
			token.Notes = payload.Notes
		}
		if payload.Metadata != nil {
			token.Metadata = payload.Metadata
		}
		if payload.CalledAt != nil {
			token.CalledAt = payload.CalledAt
		}
		if payload.ServedAt != nil {
			token.ServedAt = payload.ServedAt
		}
		if payload.CompletedAt != nil {
			token.CompletedAt = payload.CompletedAt
		}
		// Recall clears cancellation, so this field follows the latest event.
		token.CancelledAt = payload.CancelledAt
		if payload.ActualWaitTime != nil {
			token.ActualWaitTime = payload.ActualWaitTime
		}
		if payload.ServiceDuration != nil {
			token.ServiceDuration = payload.ServiceDuration
		}
	}
	return token, nil
}
