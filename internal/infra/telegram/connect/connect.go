// Package connect — явно владеемая ручка MTProto-соединения.
// В отличие от процесс-глобального менеджера, Handle создаётся при сборке
// приложения и передаётся воркерам через зависимости. Гарантии:
//   - WaitReady(ctx) блокирует до готовности клиента (авторизация завершена);
//   - MarkReady/MarkDown — явные переходы состояния, идемпотентные;
//   - однократность «подключения» обеспечивается поколениями канала ожидания
//     (single-flight: параллельные ожидатели делят один и тот же канал).
//
// Классификация сетевых ошибок вынесена в IsNetworkError и используется
// шлюзом, чтобы отличать обрывы соединения от прикладных отказов.
package connect

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/telegram"

	"tg-audience/internal/infra/logger"
)

// Handle хранит ссылку на клиент и «поколенческий» канал готовности. Пока
// соединение не готово, канал открыт; MarkReady закрывает его, неблокирующим
// образом снимая всех ожидателей. При потере связи создаётся новое поколение.
type Handle struct {
	client *telegram.Client

	ready atomic.Bool

	mu      sync.Mutex
	readyCh chan struct{}
}

// New создаёт ручку в состоянии «не готово»: ожидатели блокируются до первого MarkReady.
func New(client *telegram.Client) *Handle {
	return &Handle{
		client:  client,
		readyCh: make(chan struct{}),
	}
}

// Client возвращает обёрнутый MTProto-клиент.
func (h *Handle) Client() *telegram.Client { return h.client }

// MarkReady помечает соединение готовым и закрывает текущий канал ожидания.
// Идемпотентен: повторные вызовы при готовом соединении ничего не делают.
func (h *Handle) MarkReady() {
	if h.ready.Swap(true) {
		return
	}
	h.mu.Lock()
	ch := h.readyCh
	h.mu.Unlock()

	select {
	case <-ch:
	default:
		close(ch)
	}
	logger.Debug("connect: handle marked ready")
}

// MarkDown переводит ручку в состояние «не готово» и создаёт новое поколение
// канала ожидания. Идемпотентен: если уже не готово — ничего не делает.
func (h *Handle) MarkDown() {
	if !h.ready.CompareAndSwap(true, false) {
		return
	}
	h.mu.Lock()
	h.readyCh = make(chan struct{})
	h.mu.Unlock()
	logger.Debug("connect: handle marked down")
}

// WaitReady блокирует вызывающую горутину до готовности соединения или отмены
// контекста. Если соединение уже готово, возвращает сразу. Используются снимки
// канала: проснувшись по старому закрытому каналу, цикл продолжит ждать
// актуальное поколение.
func (h *Handle) WaitReady(ctx context.Context) error {
	if h.ready.Load() {
		return nil
	}

	for {
		h.mu.Lock()
		ch := h.readyCh
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			if h.ready.Load() {
				return nil
			}
			// попали на старый закрытый канал — ждём дальше
		}
	}
}

// HandleError анализирует ошибку RPC-слоя. Если она свидетельствует о разрыве
// соединения, ручка переводится в состояние «не готово» и возвращается true.
func (h *Handle) HandleError(err error) bool {
	if !IsNetworkError(err) {
		return false
	}
	h.MarkDown()
	return true
}

// IsNetworkError определяет, сигнализирует ли ошибка о сетевой проблеме/разрыве.
// Считаем сетевыми: закрытия соединения/движка (pool.ErrConnDead, rpc.ErrEngineClosed),
// исчерпание ретраев rpc.RetryLimitReachedErr, таймауты/дедлайны, EOF и net.Error.
// Контекстные отмены не считаем сетевыми.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, pool.ErrConnDead) {
		return true
	}
	if errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
