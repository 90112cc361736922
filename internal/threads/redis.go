package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/metrics"
	"github.com/astra-studio/astra/internal/models"
)

const threadKeyPrefix = "thread:"

// RedisStore persists thread state as JSON blobs in Redis so threads
// survive process restarts. Mutations are read-modify-write under a
// process-local lock; the service owns its keyspace.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	mu     sync.Mutex
}

// RedisOptions configures the thread store connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("thread store connected", zap.String("addr", opts.Addr), zap.Duration("ttl", opts.TTL))
	return &RedisStore{client: client, ttl: opts.TTL, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error { return r.client.Close() }

// Ping reports backend reachability for health checks.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) GetOrCreate(ctx context.Context, threadID string) (string, ThreadState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(threadID) == "" {
		threadID = uuid.NewString()
	}
	state, found, err := r.load(ctx, threadID)
	if err != nil {
		return "", ThreadState{}, err
	}
	if !found {
		metrics.ThreadsCreated.Inc()
		if err := r.save(ctx, threadID, &state); err != nil {
			return "", ThreadState{}, err
		}
	}
	return threadID, state, nil
}

func (r *RedisStore) AppendMessage(ctx context.Context, threadID, role, content string) error {
	return r.update(ctx, threadID, func(state *ThreadState) {
		state.History = append(state.History, models.Message{Role: role, Content: content})
	})
}

func (r *RedisStore) AppendReportMemory(ctx context.Context, threadID string, memory models.ReportMemory) error {
	return r.update(ctx, threadID, func(state *ThreadState) {
		state.ReportMemories = boundMemories(append(state.ReportMemories, memory))
	})
}

func (r *RedisStore) SaveState(ctx context.Context, threadID string, state ThreadState) error {
	return r.update(ctx, threadID, func(stored *ThreadState) {
		applySnapshot(stored, state)
	})
}

func (r *RedisStore) GetState(ctx context.Context, threadID string) (ThreadState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, _, err := r.load(ctx, threadID)
	return state, err
}

func (r *RedisStore) update(ctx context.Context, threadID string, mutate func(*ThreadState)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, found, err := r.load(ctx, threadID)
	if err != nil {
		return err
	}
	if !found {
		metrics.ThreadsCreated.Inc()
	}
	mutate(&state)
	return r.save(ctx, threadID, &state)
}

func (r *RedisStore) load(ctx context.Context, threadID string) (ThreadState, bool, error) {
	data, err := r.client.Get(ctx, threadKeyPrefix+threadID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ThreadState{}, false, nil
	}
	if err != nil {
		return ThreadState{}, false, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	var state ThreadState
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupt blob should not wedge the thread forever.
		r.logger.Warn("thread state corrupt, resetting",
			zap.String("thread_id", threadID), zap.Error(err))
		return ThreadState{}, false, nil
	}
	return state, true, nil
}

func (r *RedisStore) save(ctx context.Context, threadID string, state *ThreadState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal thread %s: %w", threadID, err)
	}
	if err := r.client.Set(ctx, threadKeyPrefix+threadID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save thread %s: %w", threadID, err)
	}
	return nil
}
