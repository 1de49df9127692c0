package realtime

import (
	"context"
	"sync"

	"github.com/wellmesh/realtime_layer/internal/app/system"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

var _ system.Service = (*Subscriber)(nil)

// Subscriber holds the process-wide broadcast subscription. It is opened
// once at startup with a wildcard pattern; received envelopes are routed
// into local outboxes by the service.
type Subscriber struct {
	service *Service
	broker  Broker
	log     *logger.Logger

	mu      sync.Mutex
	cancel  func() error
	running bool
}

// NewSubscriber creates the lifecycle-managed broadcast listener.
func NewSubscriber(service *Service, broker Broker, log *logger.Logger) *Subscriber {
	if log == nil {
		log = logger.NewDefault("realtime-subscriber")
	}
	return &Subscriber{
		service: service,
		broker:  broker,
		log:     log,
	}
}

func (s *Subscriber) Name() string { return "realtime-subscriber" }

func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	cancel, err := s.broker.Subscribe(ctx, "*", s.service.handleBroadcast)
	if err != nil {
		return err
	}
	s.cancel = cancel
	s.running = true

	s.log.Info("broadcast subscription opened")
	return nil
}

func (s *Subscriber) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil

	if cancel != nil {
		if err := cancel(); err != nil {
			return err
		}
	}
	s.log.Info("broadcast subscription closed")
	return nil
}
