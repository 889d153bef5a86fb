package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeAudit = "auth:audit"
	queueName     = "audit"
)

// Recorder はハンドラーやミドルウェアがイベントを記録・参照するためのインターフェースです。
type Recorder interface {
	Record(ctx context.Context, event Event)
	Recent(ctx context.Context, username string, limit int) ([]Event, error)
}

// NopRecorder は Redis 未設定時に使う何もしない Recorder です。
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(ctx context.Context, event Event) {}

// Recent implements Recorder.
func (NopRecorder) Recent(ctx context.Context, username string, limit int) ([]Event, error) {
	return nil, nil
}

// Manager はイベントを Asynq に投入し、ワーカーで Redis に保存します。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	logger *zap.Logger
	now    func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, store *Store, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: logger.Named("asynq").Sugar(),
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	mux.HandleFunc(taskTypeAudit, manager.handleAuditTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", zap.Error(err))
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown() {
	if m.server != nil {
		m.server.Shutdown()
	}
	if m.client != nil {
		_ = m.client.Close()
	}
}

// Record はイベントをキューに投入します。投入に失敗した場合はその場で保存します。
func (m *Manager) Record(ctx context.Context, event Event) {
	m.prepare(&event)
	if _, err := m.Enqueue(ctx, &event); err != nil {
		m.logger.Warn("failed to enqueue audit event, saving inline",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
		if err := m.store.Save(ctx, &event); err != nil {
			m.logger.Error("failed to save audit event", zap.String("event_id", event.ID), zap.Error(err))
		}
	}
}

// Enqueue はイベントを Asynq タスクとして投入し、タスクIDを返します。
func (m *Manager) Enqueue(ctx context.Context, event *Event) (string, error) {
	if event == nil {
		return "", fmt.Errorf("event is nil")
	}
	if m.client == nil {
		return "", fmt.Errorf("asynq client is not configured")
	}
	m.prepare(event)

	body, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	task := asynq.NewTask(taskTypeAudit, body, asynq.Queue(queueName))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.TaskID(event.ID))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// Recent は保存済みのイベントを新しい順に返します。
func (m *Manager) Recent(ctx context.Context, username string, limit int) ([]Event, error) {
	return m.store.Recent(ctx, username, limit)
}

func (m *Manager) handleAuditTask(ctx context.Context, task *asynq.Task) error {
	var event Event
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		// 壊れたペイロードは再試行しても直らない
		return fmt.Errorf("decode audit event: %v: %w", err, asynq.SkipRetry)
	}
	if event.ID == "" {
		return fmt.Errorf("missing id in payload: %w", asynq.SkipRetry)
	}
	if event.Type == "" {
		return fmt.Errorf("missing type in payload: %w", asynq.SkipRetry)
	}

	if err := m.store.Save(ctx, &event); err != nil {
		return err
	}
	m.logger.Debug("audit event stored",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("username", event.Username),
	)
	return nil
}

func (m *Manager) prepare(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		now := time.Now
		if m.now != nil {
			now = m.now
		}
		event.OccurredAt = now().UTC()
	}
}
