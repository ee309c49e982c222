package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tg-audience/internal/infra/logger"
)

// Runner исполняет задачу одного типа. Возвращённое значение становится
// результатом терминального события; ошибка переводит задачу в failed.
// Runner обязан уважать ctx: отмена задачи приходит через него.
type Runner func(ctx context.Context, rep *Reporter, params any) (any, error)

// Ошибки оркестратора.
var (
	ErrUnknownTask  = errors.New("task not found")
	ErrTaskFinished = errors.New("task already finished")
)

// subscriberBuffer — ёмкость канала наблюдателя. Медленный наблюдатель,
// переполнивший буфер, отключается: упорядоченность событий важнее
// доставки конкретному получателю.
const subscriberBuffer = 64

type task struct {
	id       string
	typ      string
	status   Status
	progress int
	current  int
	limit    int
	message  string
	result   any
	errText  string

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	cancel context.CancelFunc
	subs   map[chan Event]struct{}
}

func (t *task) snapshot() Snapshot {
	return Snapshot{
		ID:         t.id,
		Type:       t.typ,
		Status:     t.status,
		Progress:   t.progress,
		Current:    t.current,
		Limit:      t.limit,
		Message:    t.message,
		Result:     t.result,
		Error:      t.errText,
		CreatedAt:  t.createdAt,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
	}
}

func (t *task) event() Event {
	return Event{
		TaskID:    t.id,
		Status:    t.status,
		Progress:  t.progress,
		Current:   t.current,
		Limit:     t.limit,
		Message:   t.message,
		Result:    t.result,
		Error:     t.errText,
		Timestamp: time.Now(),
	}
}

// Manager — реестр исполнителей и диспетчер задач. Все мутации состояния
// задач идут под одним мьютексом, публикация событий наблюдателям —
// неблокирующая.
type Manager struct {
	mu      sync.Mutex
	runners map[string]Runner
	tasks   map[string]*task
	order   []string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewManager создаёт оркестратор. ctx ограничивает жизнь всех задач:
// его отмена останавливает исполнителей кооперативно.
func NewManager(ctx context.Context) *Manager {
	base, cancel := context.WithCancel(ctx)
	return &Manager{
		runners: make(map[string]Runner),
		tasks:   make(map[string]*task),
		baseCtx: base,
		cancel:  cancel,
	}
}

// Register привязывает исполнителя к типу задачи. Повторная регистрация
// типа перезаписывает предыдущего исполнителя.
func (m *Manager) Register(taskType string, r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[taskType] = r
}

// Enqueue создаёт задачу и запускает её исполнителя в фоне. Возвращает id
// сразу, не дожидаясь старта. Для незарегистрированного типа задача
// создаётся и немедленно завершается как failed: вызывающему нужен id,
// чтобы прочитать причину.
func (m *Manager) Enqueue(taskType string, params any) string {
	m.mu.Lock()
	id := uuid.NewString()
	taskCtx, taskCancel := context.WithCancel(m.baseCtx)
	t := &task{
		id:        id,
		typ:       taskType,
		status:    StatusQueued,
		createdAt: time.Now(),
		cancel:    taskCancel,
		subs:      make(map[chan Event]struct{}),
	}
	m.tasks[id] = t
	m.order = append(m.order, id)

	runner, ok := m.runners[taskType]
	if !ok || m.closed {
		reason := "unknown task type: " + taskType
		if m.closed {
			reason = "task manager stopped"
		}
		m.finishLocked(t, nil, errors.New(reason))
		m.mu.Unlock()
		taskCancel()
		return id
	}

	m.wg.Add(1)
	m.mu.Unlock()

	go m.dispatch(taskCtx, t, runner, params)
	return id
}

// dispatch — обёртка исполнения: переводит задачу в running, ловит панику
// и фиксирует терминальное состояние ровно один раз.
func (m *Manager) dispatch(ctx context.Context, t *task, runner Runner, params any) {
	defer m.wg.Done()
	defer t.cancel()

	m.mu.Lock()
	if t.status.Terminal() {
		m.mu.Unlock()
		return
	}
	t.status = StatusRunning
	t.startedAt = time.Now()
	m.publishLocked(t)
	m.mu.Unlock()

	logger.Debugf("Tasks: %s (%s) started", t.id, t.typ)

	var (
		result any
		runErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Logger().Error("Tasks: runner panic",
					zap.String("taskId", t.id), zap.String("type", t.typ), zap.Any("panic", r))
				runErr = errors.New("internal runner error")
			}
		}()
		result, runErr = runner(ctx, &Reporter{manager: m, taskID: t.id}, params)
	}()

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	m.mu.Lock()
	m.finishLocked(t, result, runErr)
	m.mu.Unlock()
}

// finishLocked фиксирует терминальное состояние и закрывает поток событий.
// Вызывается под m.mu; повторный вызов игнорируется.
func (m *Manager) finishLocked(t *task, result any, err error) {
	if t.status.Terminal() {
		return
	}
	t.finishedAt = time.Now()
	t.progress = 100
	if err != nil {
		t.status = StatusFailed
		if errors.Is(err, context.Canceled) {
			t.errText = "task canceled"
		} else {
			t.errText = err.Error()
		}
		logger.Infof("Tasks: %s (%s) failed: %s", t.id, t.typ, t.errText)
	} else {
		t.status = StatusCompleted
		t.result = result
		logger.Infof("Tasks: %s (%s) completed", t.id, t.typ)
	}
	m.publishLocked(t)
	for ch := range t.subs {
		close(ch)
	}
	t.subs = make(map[chan Event]struct{})
}

// publishLocked рассылает текущее состояние задачи наблюдателям. Канал,
// не принявший событие, закрывается и исключается: пропуски в потоке
// недопустимы.
func (m *Manager) publishLocked(t *task) {
	ev := t.event()
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(t.subs, ch)
		}
	}
}

// Progress обновляет прогресс задачи. Процент зажимается в [текущий, 100]:
// прогресс не откатывается, даже если исполнитель насчитал меньше. Счётчики
// current/limit публикуются как пришли.
func (m *Manager) progress(taskID string, p, current, limit int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.status.Terminal() {
		return
	}
	if p > t.progress {
		if p > 100 {
			p = 100
		}
		t.progress = p
	}
	t.current = current
	t.limit = limit
	t.message = message
	m.publishLocked(t)
}

// Get возвращает снимок задачи.
func (m *Manager) Get(taskID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// List возвращает снимки задач в порядке создания. Пустой фильтр
// пропускает всё.
func (m *Manager) List(taskType string, status Status) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		t := m.tasks[id]
		if taskType != "" && t.typ != taskType {
			continue
		}
		if status != "" && t.status != status {
			continue
		}
		out = append(out, t.snapshot())
	}
	return out
}

// Cancel кооперативно отменяет задачу: исполнитель увидит отмену через
// свой контекст. Для терминальной задачи возвращает ErrTaskFinished.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownTask
	}
	if t.status.Terminal() {
		m.mu.Unlock()
		return ErrTaskFinished
	}
	cancel := t.cancel
	m.mu.Unlock()

	logger.Infof("Tasks: cancel requested for %s", taskID)
	cancel()
	return nil
}

// Subscribe подключает наблюдателя к потоку событий задачи. Первым
// событием приходит текущее состояние, дальше — все последующие изменения
// по порядку. Для терминальной задачи канал получает финальное событие и
// сразу закрывается. Возвращённая функция отписывает наблюдателя.
func (m *Manager) Subscribe(taskID string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, nil, ErrUnknownTask
	}

	ch := make(chan Event, subscriberBuffer)
	ch <- t.event()
	if t.status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	t.subs[ch] = struct{}{}
	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, still := t.subs[ch]; still {
			delete(t.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// Close останавливает оркестратор: отменяет все живые задачи и дожидается
// завершения исполнителей. Новые задачи после Close сразу переходят в failed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Reporter — ручка прогресса, выдаваемая исполнителю задачи.
type Reporter struct {
	manager *Manager
	taskID  string
}

// Progress публикует процент [0..100], счётчики обработано/всего и
// необязательное сообщение.
func (r *Reporter) Progress(p, current, limit int, message string) {
	r.manager.progress(r.taskID, p, current, limit, message)
}
