package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	natsclient "github.com/capitalize-ai/chatstream/internal/nats"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// Config selects and configures a Store.
type Config struct {
	Kind string
	Dir  string

	NATS natsclient.Config

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open builds the Store named by cfg.Kind.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (Store, error) {
	switch cfg.Kind {
	case "", KindNone:
		return Nop{}, nil
	case KindFile:
		return NewFileStore(cfg.Dir)
	case KindNATS:
		client, err := natsclient.Connect(ctx, cfg.NATS, log)
		if err != nil {
			return nil, err
		}
		store, err := NewNATSStore(ctx, client)
		if err != nil {
			client.Close()
			return nil, err
		}
		return store, nil
	case KindRedis:
		rdb, err := NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(rdb), nil
	default:
		return nil, fmt.Errorf("unknown recorder %q", cfg.Kind)
	}
}

const (
	tapBuffer       = 1024
	tapWriteTimeout = 5 * time.Second
)

// Tap records the lines of one turn without blocking the caller. Lines are
// written in order by a background goroutine; when the buffer is full they
// are dropped and counted.
type Tap struct {
	store     Store
	sessionID string
	turnID    string
	logger    *logger.Logger

	lines   chan Line
	wg      sync.WaitGroup
	seq     int
	dropped int
	now     func() time.Time
	once    sync.Once
}

// NewTap starts a tap for a turn.
func NewTap(store Store, sessionID, turnID string, log *logger.Logger) *Tap {
	t := &Tap{
		store:     store,
		sessionID: sessionID,
		turnID:    turnID,
		logger:    logger.OrNop(log).Named("recorder"),
		lines:     make(chan Line, tapBuffer),
		now:       time.Now,
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Record queues one line. It must not be called after Close.
func (t *Tap) Record(text string) {
	t.seq++
	line := Line{
		SessionID: t.sessionID,
		TurnID:    t.turnID,
		Seq:       t.seq,
		Text:      text,
		At:        t.now(),
	}
	select {
	case t.lines <- line:
	default:
		t.dropped++
	}
}

// Close waits for queued lines to be written.
func (t *Tap) Close() {
	t.once.Do(func() {
		close(t.lines)
		t.wg.Wait()
		if t.dropped > 0 {
			t.logger.Warn("transcript lines dropped",
				zap.String("turn_id", t.turnID),
				zap.Int("dropped", t.dropped),
			)
		}
	})
}

func (t *Tap) run() {
	defer t.wg.Done()
	failed := false
	for line := range t.lines {
		if failed {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), tapWriteTimeout)
		err := t.store.Append(ctx, line)
		cancel()
		if err != nil {
			// One failure is enough to give up on this turn's transcript.
			failed = true
			t.logger.Warn("failed to record transcript",
				zap.String("turn_id", t.turnID),
				zap.Error(err),
			)
		}
	}
}
