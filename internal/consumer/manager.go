// Package consumer implements A7: a webhook push consumer that polls a
// queue's local-region actor via qservice.Service and POSTs each leased
// message to a subscribed URL, acking on 200 and nacking otherwise.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/apache/qakka/internal/node"
	"github.com/apache/qakka/internal/qservice"
)

var ErrSubscriptionNotFound = errors.New("consumer: subscription not found")

type Subscription struct {
	ID     string
	Queue  string
	URL    string
	secret string
	cancel context.CancelFunc
}

// Manager owns the set of live webhook subscriptions, one delivery-loop
// goroutine per subscription.
type Manager struct {
	service *qservice.Service
	mu      sync.RWMutex
	subs    map[string]*Subscription
}

func NewManager(svc *qservice.Service) *Manager {
	return &Manager{service: svc, subs: make(map[string]*Subscription)}
}

func (m *Manager) Register(queueName, url, secret string) (string, error) {
	id, err := node.NewID()
	if err != nil {
		return "", fmt.Errorf("consumer: generate subscription ID: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{ID: id, Queue: queueName, URL: url, secret: secret, cancel: cancel}
	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()
	go m.deliveryLoop(ctx, sub)
	slog.Info("subscription registered", "id", id, "queue", queueName, "url", url)
	return id, nil
}

func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	slog.Info("subscription deregistered", "id", id)
	return nil
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		sub.cancel()
	}
	m.subs = make(map[string]*Subscription)
}

func (m *Manager) deliveryLoop(ctx context.Context, sub *Subscription) {
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leased, err := m.service.GetNextMessages(sub.Queue, 1)
			if err != nil {
				slog.Warn("consumer: getNextMessages error", "sub", sub.ID, "err", err)
				continue
			}
			for _, msg := range leased {
				if deliverErr := deliverMessage(ctx, client, sub, msg); deliverErr != nil {
					slog.Warn("consumer: delivery failed, nacking", "sub", sub.ID, "err", deliverErr)
					_ = m.service.NackMessage(sub.Queue, msg.QueueMessageID)
				} else {
					_ = m.service.AckMessage(sub.Queue, msg.QueueMessageID)
				}
			}
		}
	}
}
