package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	uuid "github.com/satori/go.uuid"
)

// EventBackend announces finished submissions to downstream consumers.
type EventBackend interface {
	NotifySubmission(ctx context.Context, event *SubmissionEvent) error
}

// SubmissionEvent is the wire form of one submission outcome.
type SubmissionEvent struct {
	ID              uuid.UUID      `json:"id"`
	Method          string         `json:"method"`
	BundleHash      common.Hash    `json:"bundleHash"`
	ReplacementUUID string         `json:"replacementUuid,omitempty"`
	Signer          common.Address `json:"signer"`
	TargetBlock     uint64         `json:"targetBlock,omitempty"`
	Builders        []string       `json:"builders,omitempty"`
	SuccessCount    int            `json:"successCount"`
	FailureCount    int            `json:"failureCount"`
	Error           string         `json:"error,omitempty"`
	ReceivedAt      time.Time      `json:"receivedAt"`
}

// NewSubmissionEvent projects a submission record onto the stream schema.
func NewSubmissionEvent(record *SubmissionRecord) *SubmissionEvent {
	return &SubmissionEvent{
		ID:              record.ID,
		Method:          record.Method,
		BundleHash:      record.BundleHash,
		ReplacementUUID: record.ReplacementUUID,
		Signer:          record.Signer,
		TargetBlock:     record.TargetBlock,
		Builders:        record.Builders,
		SuccessCount:    record.SuccessCount,
		FailureCount:    record.FailureCount,
		Error:           record.Error,
		ReceivedAt:      record.ReceivedAt,
	}
}

type RedisEventBackend struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisEventBackend(redisClient *redis.Client, pubChannel string) *RedisEventBackend {
	return &RedisEventBackend{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisEventBackend) NotifySubmission(ctx context.Context, event *SubmissionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}
