// Файл runner.go — точка оркестрации: здесь выполняется авторизация, сервисы
// запускаются в правильном порядке и организуется корректный graceful shutdown.
// Задача — чтобы фоновые задачи успели зафиксировать результаты (частичные записи
// рассылок, терминальные события), а MTProto‑движок оставался жив до их завершения.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	tgauth "tg-audience/internal/adapters/telegram/auth"
	"tg-audience/internal/adapters/web"
	"tg-audience/internal/domain/tasks"
	"tg-audience/internal/infra/config"
	"tg-audience/internal/infra/logger"
	"tg-audience/internal/infra/resultstore"
	"tg-audience/internal/infra/telegram/connect"
	"tg-audience/internal/infra/throttle"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

const webServerShutdownTimeout = 10 * time.Second

// Runner инкапсулирует сценарий запуска и остановки клиента и связанных подсистем.
// Отвечает за:
//   - авторизацию и идентификацию текущего пользователя (self),
//   - линейный запуск сервисов: троттлер → web‑API,
//   - корректное завершение: сначала web и менеджер задач, затем троттлер и хранилище,
//     и только после этого гасится MTProto‑движок.
type Runner struct {
	client     *telegram.Client    // Обёртка над MTProto‑клиентом: логин, Self(), API.
	handle     *connect.Handle     // Состояние соединения для зависимых узлов.
	throttler  *throttle.Throttler // Темп исходящих RPC и ретраи FLOOD_WAIT.
	manager    *tasks.Manager      // Менеджер фоновых задач.
	store      *resultstore.Store  // Хранилище результатов (bbolt).
	webServer  *web.Server         // Web‑API для управления задачами.
	mainCtx    context.Context     // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc  // Инициирует общий shutdown (используется из узлов).
}

// NewRunner подготавливает Runner с переданными зависимостями.
// Возвращает объект, готовый к запуску Run().
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	client *telegram.Client,
	handle *connect.Handle,
	throttler *throttle.Throttler,
	manager *tasks.Manager,
	store *resultstore.Store,
	webServer *web.Server,
) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		client:     client,
		handle:     handle,
		throttler:  throttler,
		manager:    manager,
		store:      store,
		webServer:  webServer,
	}
}

// Run — главный цикл сервиса. Выполняет логин, запускает узлы и управляет
// корректным завершением. Блокируется до завершения клиентского контекста.
// Для MTProto‑движка используется отдельный контекст, чтобы фоновые задачи
// успели завершиться до гашения сетевого уровня.
func (r *Runner) Run(waiter *floodwait.Waiter) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	// Запускаем отслеживание сигналов сразу, чтобы Ctrl+C работал во время инициализации.
	var shutdownWG sync.WaitGroup

	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	return waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.client.Run(ctx, func(ctx context.Context) error {
			logger.Info("Audience service running...")

			if _, loginErr := r.loginSelf(ctx); loginErr != nil {
				return loginErr
			}
			r.handle.MarkReady()

			r.startAllServices(ctx)

			<-ctx.Done()
			shutdownWG.Wait()
			return ctx.Err()
		})
	})
}

func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(
		tgauth.TerminalAuthenticator{PhoneNumber: config.Env().PhoneNumber},
		auth.SendCodeOptions{},
	)

	if err := r.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, err
	}
	logger.Logger().Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

func (r *Runner) startAllServices(ctx context.Context) {
	// throttler
	logger.Debug("starting service throttler")
	r.throttler.Start(ctx)
	logger.Debug("service throttler started")

	// web_server
	logger.Debug("starting service web_server")
	go func() {
		if err := r.webServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("web server error: %v", err)
			r.mainCancel()
		}
	}()
	logger.Debug("service web_server started")
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке.

	// web_server
	logger.Debug("stopping service web_server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
	defer cancel()
	if err := r.webServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("failed to stop web_server: %v", err)
	}
	logger.Debug("service web_server stopped")

	// tasks_manager: дожидаемся исполнителей, чтобы частичные записи легли в хранилище.
	logger.Debug("stopping service tasks_manager")
	r.manager.Close()
	logger.Debug("service tasks_manager stopped")

	// throttler
	logger.Debug("stopping service throttler")
	r.throttler.Stop()
	logger.Debug("service throttler stopped")

	// results_store
	logger.Debug("stopping service results_store")
	if err := r.store.Close(); err != nil {
		logger.Errorf("failed to close results store: %v", err)
	}
	logger.Debug("service results_store stopped")

	// connection handle
	r.handle.MarkDown()
}
