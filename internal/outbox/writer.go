package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"

	"orderbus/internal/domain"
	"orderbus/internal/messaging"
	"orderbus/internal/repository/outbox_repo"
	"orderbus/internal/util"
)

const MaxPayloadSize = 1 << 20

var (
	ErrNoTransaction      = errors.New("outbox enqueue requires an active transaction")
	ErrEmptyDestination   = errors.New("outbox destination is required")
	ErrEmptyPayload       = errors.New("outbox payload is required")
	ErrPayloadTooLarge    = errors.New("outbox payload exceeds maximum size")
	ErrInvalidJSONPayload = errors.New("outbox payload is not valid JSON")
)

// Tx is the part of *sql.Tx the writer needs. Requiring Commit and Rollback
// keeps a plain *sql.DB from being passed by mistake.
type Tx interface {
	domain.Querier
	Commit() error
	Rollback() error
}

type Envelope struct {
	ID          string
	Destination string
	RoutingKey  string
	ContentType string
	Headers     map[string]string
	Payload     []byte
}

type Writer struct {
	repo       outbox_repo.OutboxRepository
	partitions int
	logger     *zap.Logger
}

func NewWriter(repo outbox_repo.OutboxRepository, partitions int, logger *zap.Logger) *Writer {
	if partitions < 1 {
		partitions = 1
	}
	return &Writer{repo: repo, partitions: partitions, logger: logger}
}

// Enqueue stores payload for destination inside tx and returns the row id.
func (w *Writer) Enqueue(ctx context.Context, tx Tx, destination string, payload []byte) (string, error) {
	return w.EnqueueMessage(ctx, tx, Envelope{
		Destination: destination,
		ContentType: messaging.ContentTypeJSON,
		Payload:     payload,
	})
}

// EnqueueJSON marshals v and enqueues it with the given routing key.
func (w *Writer) EnqueueJSON(ctx context.Context, tx Tx, destination, routingKey string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return w.EnqueueMessage(ctx, tx, Envelope{
		Destination: destination,
		RoutingKey:  routingKey,
		ContentType: messaging.ContentTypeJSON,
		Payload:     payload,
	})
}

// EnqueueMessage is the full form of Enqueue. A caller-supplied ID that is
// still in the outbox yields domain.ErrDuplicateMessage; the transaction stays
// usable so the caller may treat it as already sent. That holds only because
// OutboxRepository.Insert reports duplicates without a unique violation, which
// would abort a Postgres transaction.
func (w *Writer) EnqueueMessage(ctx context.Context, tx Tx, env Envelope) (string, error) {
	if isNilTx(tx) {
		return "", ErrNoTransaction
	}
	if err := validate(env); err != nil {
		return "", err
	}

	id := env.ID
	if id == "" {
		id = util.GenerateUUID()
	}
	contentType := env.ContentType
	if contentType == "" {
		contentType = messaging.ContentTypeJSON
	}

	msg := &domain.OutboxMessage{
		ID:          id,
		Partition:   PartitionFor(id, w.partitions),
		Destination: env.Destination,
		RoutingKey:  env.RoutingKey,
		ContentType: contentType,
		Headers:     env.Headers,
		Payload:     env.Payload,
	}
	if err := w.repo.Insert(ctx, tx, msg); err != nil {
		if errors.Is(err, domain.ErrDuplicateMessage) {
			w.logger.Info("Outbox message already enqueued, skipping", zap.String("message_id", id))
			return id, err
		}
		return "", fmt.Errorf("failed to enqueue outbox message: %w", err)
	}

	w.logger.Debug("Outbox message enqueued",
		zap.String("message_id", id),
		zap.String("destination", msg.Destination),
		zap.Int("partition", msg.Partition))
	return id, nil
}

func validate(env Envelope) error {
	if env.Destination == "" {
		return ErrEmptyDestination
	}
	if len(env.Payload) == 0 {
		return ErrEmptyPayload
	}
	if len(env.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(env.Payload))
	}
	if (env.ContentType == "" || env.ContentType == messaging.ContentTypeJSON) && !json.Valid(env.Payload) {
		return ErrInvalidJSONPayload
	}
	return nil
}

func isNilTx(tx Tx) bool {
	if tx == nil {
		return true
	}
	sqlTx, ok := tx.(*sql.Tx)
	return ok && sqlTx == nil
}

// PartitionFor spreads message ids over partitions with FNV-1a.
func PartitionFor(id string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(partitions))
}
