// Package cache is the fast key/value layer in front of the durable usage store.
//
// Reads go to Redis first and fall back to the durable store on a miss. Writes
// land in Redis synchronously and are reconciled into the durable store by an
// asynchronous usage.increment job. Keys are scoped to the UTC day so that the
// cache and the durable store agree on which period a counter belongs to.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hragent/usageguard/internal/queue"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout   = 3 * time.Second
	defaultEntryTTL  = 48 * time.Hour
	defaultKeyPrefix = "hragent:usage:"
	dayLayout        = "2006-01-02"
)

var (
	// ErrConnectivity wraps every failure to reach the fast store, or the
	// durable store on the read-through path.
	ErrConnectivity = errors.New("cache: store unreachable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: client closed")
	// ErrInvalidKey is returned for a blank usage key.
	ErrInvalidKey = errors.New("cache: empty usage key")
)

// DurableReader is the read side of the durable counter store.
type DurableReader interface {
	ReadDay(ctx context.Context, day, key string) (int64, bool, error)
}

// Enqueuer submits reconciliation jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload) (queue.JobHandle, error)
}

// Config holds connection and keying settings.
type Config struct {
	Host      string
	Port      int
	DB        int
	Username  string
	Password  string
	KeyPrefix string
	EntryTTL  time.Duration
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = "localhost"
	}
	if c.Port <= 0 {
		c.Port = 6379
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = defaultEntryTTL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithRedis uses an existing connection instead of dialing one from Config.
// The client takes ownership and closes it on Close.
func WithRedis(rdb goredis.UniversalClient) Option {
	return func(c *Client) {
		if rdb != nil {
			c.rdb = rdb
		}
	}
}

// WithClock overrides the clock used to pick the day partition.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client is the usage cache. It exclusively owns its Redis connection.
type Client struct {
	rdb     goredis.UniversalClient
	durable DurableReader
	enq     Enqueuer
	cfg     Config
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// New builds a client. No network traffic happens until the first call.
func New(cfg Config, durable DurableReader, enq Enqueuer, opts ...Option) (*Client, error) {
	if durable == nil {
		return nil, errors.New("cache: nil durable reader")
	}
	if enq == nil {
		return nil, errors.New("cache: nil enqueuer")
	}
	c := &Client{durable: durable, enq: enq, cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.rdb == nil {
		c.rdb = newRedisClient(c.cfg)
	}
	return c, nil
}

func newRedisClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

// Redis exposes the underlying connection so the job queue can share it.
func (c *Client) Redis() goredis.UniversalClient {
	return c.rdb
}

// Today returns the current UTC day partition. Callers that read and then
// write one counter pin this value and pass it to GetDay and SetDay.
func (c *Client) Today() string {
	return c.now().UTC().Format(dayLayout)
}

// Get returns the current-period value for key. On a fast-store miss it reads
// the durable store synchronously and populates the fast store before
// returning. ok is false when neither store knows the key.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	return c.GetDay(ctx, c.Today(), key)
}

// GetDay is Get for an explicit day partition.
func (c *Client) GetDay(ctx context.Context, day, key string) (string, bool, error) {
	if errOpen := c.checkOpen(); errOpen != nil {
		return "", false, errOpen
	}
	key, errKey := normalizeKey(key)
	if errKey != nil {
		return "", false, errKey
	}
	fastKey := c.fastKey(day, key)

	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	value, err := c.rdb.Get(opCtx, fastKey).Result()
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, goredis.Nil) {
		return "", false, fmt.Errorf("%w: get %s: %w", ErrConnectivity, key, err)
	}

	tokens, found, errRead := c.durable.ReadDay(opCtx, day, key)
	if errRead != nil {
		return "", false, fmt.Errorf("%w: durable read %s: %w", ErrConnectivity, key, errRead)
	}
	if !found {
		return "", false, nil
	}
	value = strconv.FormatInt(tokens, 10)

	// SETNX keeps a concurrent Set from being overwritten by the older durable value.
	stored, errPopulate := c.rdb.SetNX(opCtx, fastKey, value, c.cfg.EntryTTL).Result()
	if errPopulate != nil {
		log.WithError(errPopulate).WithField("usage_key", key).Warn("cache: populate after miss failed")
		return value, true, nil
	}
	if stored {
		return value, true, nil
	}
	current, errReread := c.rdb.Get(opCtx, fastKey).Result()
	if errReread != nil {
		return value, true, nil
	}
	return current, true, nil
}

// Set writes value unconditionally (last writer wins) and enqueues a
// usage.increment job carrying delta and the day the write belongs to.
// Failures to enqueue are logged and swallowed; the fast store keeps the value.
func (c *Client) Set(ctx context.Context, key, value string, delta int64) error {
	return c.SetDay(ctx, c.Today(), key, value, delta)
}

// SetDay is Set for an explicit day partition.
func (c *Client) SetDay(ctx context.Context, day, key, value string, delta int64) error {
	if errOpen := c.checkOpen(); errOpen != nil {
		return errOpen
	}
	key, errKey := normalizeKey(key)
	if errKey != nil {
		return errKey
	}
	if delta < 0 {
		return fmt.Errorf("cache: negative delta %d for %s", delta, key)
	}

	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	if errSet := c.rdb.Set(opCtx, c.fastKey(day, key), value, c.cfg.EntryTTL).Err(); errSet != nil {
		return fmt.Errorf("%w: set %s: %w", ErrConnectivity, key, errSet)
	}
	if delta == 0 {
		return nil
	}

	handle, errEnqueue := c.enq.Enqueue(opCtx, queue.NewUsageIncrement(key, day, delta))
	if errEnqueue != nil {
		log.WithError(errEnqueue).WithFields(log.Fields{
			"usage_key": key,
			"day":       day,
			"delta":     delta,
		}).Error("cache: reconciliation enqueue failed; durable store will lag")
		return nil
	}
	log.WithFields(log.Fields{"usage_key": key, "job_id": handle.ID}).Debug("cache: reconciliation enqueued")
	return nil
}

// Delete removes key's current-period entry from the fast store only.
func (c *Client) Delete(ctx context.Context, key string) error {
	if errOpen := c.checkOpen(); errOpen != nil {
		return errOpen
	}
	key, errKey := normalizeKey(key)
	if errKey != nil {
		return errKey
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	if errDel := c.rdb.Del(opCtx, c.fastKey(c.Today(), key)).Err(); errDel != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrConnectivity, key, errDel)
	}
	return nil
}

// TestConnection pings the fast store. It never returns an error.
func (c *Client) TestConnection(ctx context.Context) bool {
	if c.checkOpen() != nil {
		return false
	}
	opCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	if errPing := c.rdb.Ping(opCtx).Err(); errPing != nil {
		log.WithError(errPing).Debug("cache: ping failed")
		return false
	}
	return true
}

// Close releases the connection. Later calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rdb.Close()
}

// Usage returns key's current-period counter, 0 when unknown.
func (c *Client) Usage(ctx context.Context, key string) (int64, error) {
	return c.usageDay(ctx, c.Today(), key)
}

// Record adds delta to key's counter and returns the new total. The read and
// the write use the same day partition.
func (c *Client) Record(ctx context.Context, key string, delta int64) (int64, error) {
	day := c.Today()
	used, err := c.usageDay(ctx, day, key)
	if err != nil {
		return 0, err
	}
	total := used + delta
	if errSet := c.SetDay(ctx, day, key, strconv.FormatInt(total, 10), delta); errSet != nil {
		return 0, errSet
	}
	return total, nil
}

func (c *Client) usageDay(ctx context.Context, day, key string) (int64, error) {
	value, ok, err := c.GetDay(ctx, day, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	used, errParse := strconv.ParseInt(value, 10, 64)
	if errParse != nil {
		return 0, fmt.Errorf("cache: value of %s is not a counter: %w", key, errParse)
	}
	return used, nil
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// normalizeKey trims key the same way the durable store does so both layers
// address one counter.
func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	return key, nil
}

func (c *Client) fastKey(day, key string) string {
	return c.cfg.KeyPrefix + day + ":" + key
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}
