package cache

import (
	"context"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// EnqueuerFactory builds the reconciliation enqueuer on top of the client's
// own connection.
type EnqueuerFactory func(rdb goredis.UniversalClient) Enqueuer

// Holder lazily constructs one Client and hands the same instance to every
// caller until CloseInstance. It is owned by the composition root.
type Holder struct {
	cfg         Config
	durable     DurableReader
	newEnqueuer EnqueuerFactory
	dial        func(Config) goredis.UniversalClient
	opts        []Option

	mu     sync.Mutex
	client *Client
}

// NewHolder prepares a holder; nothing is dialed until Instance.
func NewHolder(cfg Config, durable DurableReader, newEnqueuer EnqueuerFactory, opts ...Option) *Holder {
	return &Holder{
		cfg:         cfg.withDefaults(),
		durable:     durable,
		newEnqueuer: newEnqueuer,
		dial:        func(cfg Config) goredis.UniversalClient { return newRedisClient(cfg) },
		opts:        opts,
	}
}

// WithDialer replaces how the holder opens Redis connections.
func (h *Holder) WithDialer(dial func(Config) goredis.UniversalClient) *Holder {
	if dial != nil {
		h.dial = dial
	}
	return h
}

// Instance returns the shared client, constructing it on first use.
func (h *Holder) Instance(ctx context.Context) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}

	if h.newEnqueuer == nil {
		return nil, errors.New("cache: nil enqueuer factory")
	}
	rdb := h.dial(h.cfg)
	opts := append(append([]Option{}, h.opts...), WithRedis(rdb))
	client, err := New(h.cfg, h.durable, h.newEnqueuer(rdb), opts...)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	if !client.TestConnection(ctx) {
		log.Warn("cache: redis not reachable yet; requests will fail until it is")
	}
	h.client = client
	return client, nil
}

// CloseInstance closes and forgets the shared client. A later Instance call
// dials a new connection.
func (h *Holder) CloseInstance() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil
	}
	err := h.client.Close()
	h.client = nil
	return err
}
