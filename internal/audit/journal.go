package audit

/*
Журнал решений. Горячий путь делает одну синхронную попытку записи в пределах
оставшегося бюджета запроса. Если она не удалась, решение все равно уходит клиенту,
а запись переезжает в фоновый воркер: пачки, ограниченный бэкофф (retry-go),
финальная вычитка буфера при остановке. Исчерпав ретраи, решение попадает
в набор на сверку (память + Redis HASH), откуда его переигрывает оператор.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/infra"
	"go.uber.org/zap"
)

// OutcomeStore долговременное хранилище решений. Повторная запись того же ID не ошибка.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, o *domain.DecisionOutcome) error
	SaveOutcomes(ctx context.Context, list []*domain.DecisionOutcome) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
	StreamMaxLen  int64
}

type Journal struct {
	ch      chan *domain.DecisionOutcome // очередь на повторную запись
	events  chan *domain.DecisionOutcome // события для explainability
	repo    OutcomeStore
	rdb     *redis.Client
	cfg     Config
	metrics *Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup

	// closeMu: отправка в каналы под RLock, Stop закрывает их под Lock
	closeMu  sync.RWMutex
	isClosed int32

	mu      sync.RWMutex
	retries map[string]*domain.DecisionOutcome // ждут фоновой записи
	pending map[string]*domain.DecisionOutcome // ретраи исчерпаны, нужна сверка
}

func NewJournal(repo OutcomeStore, rdb *redis.Client, cfg Config, metrics *Metrics, logger *zap.Logger) *Journal {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = 100000
	}
	return &Journal{
		ch:      make(chan *domain.DecisionOutcome, cfg.BufferSize),
		events:  make(chan *domain.DecisionOutcome, cfg.BufferSize),
		repo:    repo,
		rdb:     rdb,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "journal")),
		retries: make(map[string]*domain.DecisionOutcome),
		pending: make(map[string]*domain.DecisionOutcome),
	}
}

func (j *Journal) Start() {
	j.wg.Add(2)
	go j.worker()
	go j.emitter()
}

// Stop запирает вход и ждет, пока воркеры вычитают буферы.
func (j *Journal) Stop() {
	j.closeMu.Lock()
	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.closeMu.Unlock()
		return
	}
	atomic.StoreInt32(&j.isClosed, 1)
	j.logger.Info("stopping journal: closing channels and flushing buffer...")
	close(j.ch)
	close(j.events)
	j.closeMu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Commit синхронная попытка записи. При ошибке возвращает ErrPersistenceLag,
// помечает решение PendingReconciliation и ставит его в фоновую очередь.
// Если бюджет ctx уже исчерпан, хранилище не трогаем: сразу в очередь.
func (j *Journal) Commit(ctx context.Context, o *domain.DecisionOutcome) error {
	err := ctx.Err()
	if err == nil {
		err = j.repo.SaveOutcome(ctx, o)
	}
	if err == nil {
		j.emit(o)
		return nil
	}

	o.PendingReconciliation = true
	j.logger.Error("outcome persistence lagging",
		zap.String("outcome_id", o.ID), zap.String("transaction_id", o.TransactionID), zap.Error(err))

	cp := *o
	j.mu.Lock()
	j.retries[cp.ID] = &cp
	j.mu.Unlock()
	j.updateBacklog()

	if !j.enqueue(&cp) {
		j.reconcile(context.Background(), []*domain.DecisionOutcome{&cp})
	}
	return fmt.Errorf("%w: outcome %s: %v", domain.ErrPersistenceLag, o.ID, err)
}

// enqueue false, если журнал остановлен или очередь переполнена.
func (j *Journal) enqueue(o *domain.DecisionOutcome) bool {
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if atomic.LoadInt32(&j.isClosed) == 1 {
		return false
	}
	select {
	case j.ch <- o:
		return true
	default:
		j.logger.Error("journal_buffer_overflow", zap.String("outcome_id", o.ID))
		return false
	}
}

// Lookup решение, которое еще не доехало до хранилища.
func (j *Journal) Lookup(id string) (*domain.DecisionOutcome, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if o, ok := j.retries[id]; ok {
		cp := *o
		return &cp, true
	}
	if o, ok := j.pending[id]; ok {
		cp := *o
		return &cp, true
	}
	return nil, false
}

// Pending решения, ожидающие сверки, от старых к новым.
func (j *Journal) Pending() []domain.DecisionOutcome {
	j.mu.RLock()
	out := make([]domain.DecisionOutcome, 0, len(j.pending))
	for _, o := range j.pending {
		out = append(out, *o)
	}
	j.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// Replay повторяет запись всех решений на сверке. Возвращает число записанных.
func (j *Journal) Replay(ctx context.Context) (int, error) {
	list := j.Pending()
	if len(list) == 0 {
		return 0, nil
	}
	batch := make([]*domain.DecisionOutcome, len(list))
	for i := range list {
		list[i].PendingReconciliation = false
		batch[i] = &list[i]
	}
	if err := j.repo.SaveOutcomes(ctx, batch); err != nil {
		return 0, fmt.Errorf("%w: replay: %v", domain.ErrPersistenceLag, err)
	}

	j.mu.Lock()
	for _, o := range batch {
		delete(j.pending, o.ID)
	}
	j.mu.Unlock()
	if j.rdb != nil {
		ids := make([]string, len(batch))
		for i, o := range batch {
			ids[i] = o.ID
		}
		if err := j.rdb.HDel(ctx, infra.RedisKeyReconciliation, ids...).Err(); err != nil {
			j.logger.Warn("reconciliation set cleanup failed", zap.Error(err))
		}
	}
	for _, o := range batch {
		j.emit(o)
	}
	j.updateBacklog()
	j.logger.Info("reconciliation replayed", zap.Int("count", len(batch)))
	return len(batch), nil
}

// Warmup подтягивает набор на сверку из Redis после рестарта.
func (j *Journal) Warmup(ctx context.Context) error {
	if j.rdb == nil {
		return nil
	}
	raw, err := j.rdb.HGetAll(ctx, infra.RedisKeyReconciliation).Result()
	if err != nil {
		return fmt.Errorf("load reconciliation set: %w", err)
	}
	j.mu.Lock()
	for id, payload := range raw {
		var o domain.DecisionOutcome
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			j.logger.Error("corrupted reconciliation entry", zap.String("outcome_id", id), zap.Error(err))
			continue
		}
		j.pending[id] = &o
	}
	j.mu.Unlock()
	j.updateBacklog()
	if len(raw) > 0 {
		j.logger.Warn("outcomes awaiting reconciliation", zap.Int("count", len(raw)))
	}
	return nil
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]*domain.DecisionOutcome, 0, j.cfg.BatchSize)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		j.flush(batch)
		batch = make([]*domain.DecisionOutcome, 0, j.cfg.BatchSize)
	}

	for {
		select {
		case o, ok := <-j.ch:
			if !ok {
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, o)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush пачка с ограниченным бэкоффом; после исчерпания попыток на сверку.
func (j *Journal) flush(batch []*domain.DecisionOutcome) {
	// Используем Background, так как основной контекст может быть уже закрыт
	ctx := context.Background()
	// пишем копии: оригиналы в очереди читает Lookup
	write := make([]*domain.DecisionOutcome, len(batch))
	for i, o := range batch {
		cp := *o
		cp.PendingReconciliation = false
		write[i] = &cp
	}

	attempt := 0
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(j.cfg.RetryAttempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return backoff(j.cfg.RetryDelay, n)
		}),
	).Do(func() error {
		attempt++
		if attempt > 1 {
			j.metrics.retry()
		}
		err := j.repo.SaveOutcomes(ctx, write)
		if err != nil {
			j.logger.Warn("journal write failed", zap.Int("attempt", attempt), zap.Int("batch", len(batch)), zap.Error(err))
		}
		return err
	})

	j.mu.Lock()
	for _, o := range batch {
		delete(j.retries, o.ID)
	}
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("journal retries exhausted", zap.Int("batch", len(batch)), zap.Error(err))
		j.reconcile(ctx, batch)
		return
	}
	for _, o := range write {
		j.emit(o)
	}
	j.updateBacklog()
}

// backoff удвоение от base, не больше 32 base
func backoff(base time.Duration, n uint) time.Duration {
	if n > 5 {
		n = 5
	}
	return base << n
}

func (j *Journal) reconcile(ctx context.Context, list []*domain.DecisionOutcome) {
	j.mu.Lock()
	for _, o := range list {
		delete(j.retries, o.ID)
		j.pending[o.ID] = o
	}
	j.mu.Unlock()
	j.metrics.reconciled(len(list))
	j.updateBacklog()

	if j.rdb == nil {
		return
	}
	pipe := j.rdb.Pipeline()
	for _, o := range list {
		payload, err := json.Marshal(o)
		if err != nil {
			continue
		}
		pipe.HSet(ctx, infra.RedisKeyReconciliation, o.ID, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		j.logger.Error("reconciliation set not persisted to redis", zap.Error(err))
	}
}

// emit неблокирующая отправка события в stream. При переполнении событие теряется, решение нет.
func (j *Journal) emit(o *domain.DecisionOutcome) {
	if j.rdb == nil {
		return
	}
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if atomic.LoadInt32(&j.isClosed) == 1 {
		return
	}
	select {
	case j.events <- o:
	default:
		j.logger.Warn("decision event dropped", zap.String("outcome_id", o.ID))
	}
}

func (j *Journal) emitter() {
	defer j.wg.Done()
	for o := range j.events {
		if err := PublishDecision(context.Background(), j.rdb, o, j.cfg.StreamMaxLen); err != nil {
			j.logger.Warn("decision event not published", zap.String("outcome_id", o.ID), zap.Error(err))
		}
	}
}

func (j *Journal) updateBacklog() {
	j.mu.RLock()
	n := len(j.retries) + len(j.pending)
	j.mu.RUnlock()
	j.metrics.backlog(n)
}

// PublishDecision XADD решения с факторами риска для потребителей explainability.
func PublishDecision(ctx context.Context, rdb *redis.Client, o *domain.DecisionOutcome, maxLen int64) error {
	if rdb == nil {
		return errors.New("redis client is not configured")
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: infra.RedisStreamDecisions,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"outcome_id": o.ID,
			"status":     string(o.ExternalStatus()),
			"payload":    payload,
		},
	}).Err()
}
