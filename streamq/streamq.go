package streamq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TerminalError marks an error as "terminal": the message must be ACKed even
// though err != nil. The pipeline records the failure on the report itself, so
// re-raising into the transport would only cause infinite redelivery.
type TerminalError struct{ Err error }

func (e TerminalError) Error() string {
	if e.Err == nil {
		return "terminal"
	}
	return e.Err.Error()
}

func (e TerminalError) Unwrap() error { return e.Err }

func Terminal(err error) error { return TerminalError{Err: err} }

func IsTerminal(err error) bool {
	var te TerminalError
	return errors.As(err, &te)
}

// payloadField is the single stream entry field carrying the JSON-encoded job.
const payloadField = "job"

// JobQueue is the enqueue side of the validation job stream. The submission
// path publishes here; the validation worker consumes.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte) error
}

type RedisStreamQueue struct {
	rdb    *redis.Client
	stream string
	group  string
	maxLen int64
}

func NewRedisStreamQueue(rdb *redis.Client, stream, group string, maxLen int64) *RedisStreamQueue {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamQueue{
		rdb:    rdb,
		stream: strings.TrimSpace(stream),
		group:  strings.TrimSpace(group),
		maxLen: maxLen,
	}
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, payload []byte) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue not initialized")
	}
	if len(payload) == 0 {
		return errors.New("payload is empty")
	}
	stream := strings.TrimSpace(q.stream)
	if stream == "" {
		return errors.New("stream key is empty")
	}
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			payloadField: string(payload),
		},
	}
	return q.rdb.XAdd(ctx, args).Err()
}

func (q *RedisStreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue not initialized")
	}
	stream := strings.TrimSpace(q.stream)
	group := strings.TrimSpace(q.group)
	if stream == "" || group == "" {
		return errors.New("stream/group is empty")
	}
	// MKSTREAM: create stream automatically if it doesn't exist.
	err := q.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil {
		return nil
	}
	// BUSYGROUP means already exists.
	if strings.Contains(strings.ToLower(err.Error()), "busygroup") {
		return nil
	}
	return err
}

// Handler processes one delivered payload. Returning nil or a TerminalError
// acknowledges the message; any other error keeps it pending for redelivery.
type Handler func(ctx context.Context, payload []byte) error

type Consumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	count    int64
	concur   chan struct{}

	// Pending handling (XAUTOCLAIM).
	claimMinIdle    time.Duration
	claimCount      int64
	claimStart      string
	claimEvery      time.Duration
	lastClaimedTime time.Time
}

func NewConsumer(rdb *redis.Client, stream, group, consumer string) *Consumer {
	c := strings.TrimSpace(consumer)
	if c == "" {
		c = "c-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return &Consumer{
		rdb:      rdb,
		stream:   strings.TrimSpace(stream),
		group:    strings.TrimSpace(group),
		consumer: c,
		block:    10 * time.Second,
		count:    10,

		claimMinIdle: 30 * time.Second,
		claimCount:   50,
		claimStart:   "0-0",
		claimEvery:   3 * time.Second,
	}
}

// SetConcurrency sets the max concurrent handler goroutines.
// n<=1 means run sequentially.
func (c *Consumer) SetConcurrency(n int) {
	if c == nil {
		return
	}
	if n <= 1 {
		c.concur = nil
		return
	}
	c.concur = make(chan struct{}, n)
}

func (c *Consumer) ConsumeLoop(ctx context.Context, handler Handler) error {
	if c == nil || c.rdb == nil {
		return errors.New("consumer not initialized")
	}
	if strings.TrimSpace(c.stream) == "" || strings.TrimSpace(c.group) == "" {
		return errors.New("stream/group is empty")
	}
	if handler == nil {
		return errors.New("handler is nil")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Best-effort: auto-claim pending messages (worker crash/restart).
		c.maybeAutoClaim(ctx, handler)

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.count,
			Block:    c.block,
			NoAck:    false,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient network issue: keep looping
			slog.Warn("stream consume error", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				if c.concur == nil {
					c.handleOne(ctx, handler, msg)
					continue
				}
				c.concur <- struct{}{}
				go func(m redis.XMessage) {
					defer func() { <-c.concur }()
					c.handleOne(ctx, handler, m)
				}(msg)
			}
		}
	}
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return c.rdb.XAck(ctx, c.stream, c.group, id).Err()
}

func (c *Consumer) handleOne(ctx context.Context, handler Handler, msg redis.XMessage) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		_ = c.ack(ctx, msg.ID)
		return
	}
	payload := strings.TrimSpace(fmt.Sprintf("%v", raw))
	if payload == "" {
		_ = c.ack(ctx, msg.ID)
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler panic", "msg", msg.ID, "panic", r)
				// treat panic as terminal to avoid hot-looping on a poison message;
				// the report status is persisted by the handler before it crashes.
				err = Terminal(fmt.Errorf("panic: %v", r))
			}
		}()
		err = handler(ctx, []byte(payload))
	}()

	// ACK rules:
	// - nil or Terminal(err): always ACK
	// - otherwise: keep pending (will be auto-claimed later)
	if err == nil || IsTerminal(err) {
		_ = c.ack(ctx, msg.ID)
	} else {
		slog.Warn("handler non-terminal error, keeping pending", "msg", msg.ID, "err", err)
	}
}

func (c *Consumer) maybeAutoClaim(ctx context.Context, handler Handler) {
	if c == nil || c.rdb == nil {
		return
	}
	if c.claimEvery <= 0 || c.claimMinIdle <= 0 {
		return
	}
	now := time.Now()
	if !c.lastClaimedTime.IsZero() && now.Sub(c.lastClaimedTime) < c.claimEvery {
		return
	}
	c.lastClaimedTime = now

	msgs, nextStart, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimMinIdle,
		Start:    c.claimStart,
		Count:    c.claimCount,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			slog.Warn("xautoclaim error", "err", err)
		}
		return
	}
	if strings.TrimSpace(nextStart) != "" {
		c.claimStart = nextStart
	}
	for _, msg := range msgs {
		if c.concur == nil {
			c.handleOne(ctx, handler, msg)
			continue
		}
		c.concur <- struct{}{}
		go func(m redis.XMessage) {
			defer func() { <-c.concur }()
			c.handleOne(ctx, handler, m)
		}(msg)
	}
}
