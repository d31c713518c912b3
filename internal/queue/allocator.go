package queue

import (
	"context"
	"fmt"

	"qms/queue-engine/internal/logger"
	"qms/queue-engine/internal/store"
)

const numberPad = 3

// SequenceAllocator mints token numbers. It must run inside the transaction
// that inserts the token so a rollback also returns the number.
type SequenceAllocator struct {
	log *logger.Logger
}

func NewSequenceAllocator(log *logger.Logger) *SequenceAllocator {
	return &SequenceAllocator{log: log}
}

func (a *SequenceAllocator) Next(ctx context.Context, q store.Queries, organizationID, customerType string) (string, int64, error) {
	seq, err := q.NextSequence(ctx, organizationID, customerType)
	if err != nil {
		return "", 0, err
	}
	// max_number is advisory.
	if seq.MaxNumber > 0 && seq.Value > seq.MaxNumber {
		a.log.Warn("sequence beyond max_number",
			"organization_id", organizationID,
			"customer_type", customerType,
			"value", seq.Value,
			"max_number", seq.MaxNumber)
	}
	return FormatNumber(seq.Prefix, seq.Value), seq.Value, nil
}

func FormatNumber(prefix string, value int64) string {
	return fmt.Sprintf("%s%0*d", prefix, numberPad, value)
}
