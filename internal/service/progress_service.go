package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/observability"
)

const progressBufferSize = 32

// ProgressPublisher receives job and batch lifecycle events.
type ProgressPublisher interface {
	Publish(ctx context.Context, event dto.ProgressEvent)
}

// ProgressService fans progress events out to local subscribers and relays
// them to the other API nodes over NATS, or Redis pub/sub when NATS is absent.
type ProgressService interface {
	ProgressPublisher
	Subscribe(evaluationID uint) (<-chan dto.ProgressEvent, func())
	Start(ctx context.Context)
}

type progressService struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *progressBroker
	nodeID       string
	now          func() time.Time
}

type progressEnvelope struct {
	Source string            `json:"source"`
	Event  dto.ProgressEvent `json:"event"`
}

type progressBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.ProgressEvent]struct{}
}

// NewProgressService constructs a progress service. Both relays are optional.
func NewProgressService(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) ProgressService {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":progress"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".progress"
	}

	return &progressService{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "progress_service").Logger(),
		broker: &progressBroker{
			subscribers: make(map[uint]map[chan dto.ProgressEvent]struct{}),
		},
		nodeID: uuid.NewString(),
		now:    time.Now,
	}
}

func (s *progressService) useNATS() bool {
	return s.nats != nil && s.natsSubject != ""
}

func (s *progressService) useRedis() bool {
	return !s.useNATS() && s.redis != nil && s.redisChannel != ""
}

func (s *progressService) Start(ctx context.Context) {
	switch {
	case s.useNATS():
		s.consumeNATS(ctx)
	case s.useRedis():
		go s.consumeRedis(ctx)
	}
}

func (s *progressService) Publish(ctx context.Context, event dto.ProgressEvent) {
	if event.At.IsZero() {
		event.At = s.now().UTC()
	}

	s.broker.broadcast(event)

	payload, err := json.Marshal(progressEnvelope{Source: s.nodeID, Event: event})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode progress event")
		return
	}

	switch {
	case s.useNATS():
		err = s.nats.Publish(s.natsSubject, payload)
	case s.useRedis():
		err = s.redis.Publish(ctx, s.redisChannel, payload).Err()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to relay progress event")
	}
}

func (s *progressService) Subscribe(evaluationID uint) (<-chan dto.ProgressEvent, func()) {
	channel := make(chan dto.ProgressEvent, progressBufferSize)

	s.broker.subscribe(evaluationID, channel)
	observability.ProgressClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(evaluationID, channel)
			observability.ProgressClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (s *progressService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("progress redis subscription closed")
			return
		}
		s.handleEnvelope([]byte(msg.Payload))
	}
}

func (s *progressService) consumeNATS(ctx context.Context) {
	// every node needs every event, so this is a plain subscription rather than a queue group
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEnvelope(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats progress subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain progress nats subscription")
		}
	}()
}

func (s *progressService) handleEnvelope(payload []byte) {
	var envelope progressEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid progress event payload")
		return
	}

	if envelope.Source == s.nodeID {
		return
	}

	s.broker.broadcast(envelope.Event)
}

func (b *progressBroker) subscribe(evaluationID uint, ch chan dto.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[evaluationID]; !exists {
		b.subscribers[evaluationID] = make(map[chan dto.ProgressEvent]struct{})
	}
	b.subscribers[evaluationID][ch] = struct{}{}
}

func (b *progressBroker) unsubscribe(evaluationID uint, ch chan dto.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[evaluationID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, evaluationID)
		}
	}
}

// broadcast drops events for subscribers whose buffer is full.
func (b *progressBroker) broadcast(event dto.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[event.EvaluationID] {
		select {
		case ch <- event:
		default:
		}
	}
}
