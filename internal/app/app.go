// Package app — верхний уровень сборки приложения: здесь связываются конфигурация,
// MTProto‑клиент (gotd/telegram), троттлер RPC, хранилище результатов, воркеры задач
// (подбор аудитории, рассылка) и web‑API. Отсюда стартует основной цикл и
// обеспечивается корректный shutdown.
package app

import (
	"context"
	"time"

	"tg-audience/internal/adapters/telegram/gateway"
	"tg-audience/internal/adapters/telegram/resolver"
	"tg-audience/internal/adapters/web"
	"tg-audience/internal/domain/broadcast"
	"tg-audience/internal/domain/discovery"
	"tg-audience/internal/domain/tasks"
	"tg-audience/internal/infra/config"
	"tg-audience/internal/infra/resultstore"
	"tg-audience/internal/infra/telegram/connect"
	"tg-audience/internal/infra/telegram/session"
	"tg-audience/internal/infra/throttle"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/time/rate"
)

// appVersion передаётся Telegram в паспорте устройства.
const appVersion = "1.2.0"

// App агрегирует зависимости сервиса и управляет их связью.
// Отвечает за:
//   - конфигурацию и телеграм‑клиента (авторизация, API),
//   - троттлер исходящих RPC и защиту от FLOOD_WAIT,
//   - хранилище результатов (bbolt) и менеджер фоновых задач,
//   - воркеры discovery/broadcast и web‑API,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.
	runner     *Runner            // Оркестратор жизненного цикла.
	waiter     *floodwait.Waiter  // Middleware для обработки FLOOD_WAIT.
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация выполняется в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run собирает узлы приложения и запускает основной цикл. Блокируется до остановки
// и возвращает ошибку, если что-то пошло не так.
func (a *App) Run() error {
	env := config.Env()

	a.waiter = floodwait.NewWaiter()

	// handle создаётся после клиента, поэтому OnDead защищён от nil.
	var handle *connect.Handle

	// 1) Опции MTProto‑клиента: сессия, поведение при dead‑соединении и паспорт устройства.
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: env.SessionFile},
		Middlewares: []telegram.Middleware{
			a.waiter,
			ratelimit.New(
				rate.Limit(env.ThrottleRPS),
				env.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		// При сообщении gotd о «мёртвом» соединении отмечаем отключение для зависимых узлов.
		OnDead: func() {
			if handle != nil {
				handle.MarkDown()
			}
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    appVersion,
		},
	}

	// Для тестовых окружений используем DC тестового стенда Telegram.
	if env.TestDC {
		options.DCList = dcs.Test()
	}

	client := telegram.NewClient(env.APIID, env.APIHash, options)
	handle = connect.New(client)

	// 2) Троттлер исходящих RPC: общий темп + ретраи по FLOOD_WAIT.
	interval := time.Second / time.Duration(env.ThrottleRPS)
	th := throttle.New(interval, throttle.WithWaitExtractors(gateway.FloodWait))

	// 3) Хранилище результатов.
	store, err := resultstore.Open(env.ResultsDB)
	if err != nil {
		return errors.Wrap(err, "open results store")
	}

	// 4) Слой Telegram: шлюз RPC и резолвер пиров.
	gw := gateway.New(client.API(), th, handle)
	res := resolver.New(gw)

	// 5) Менеджер задач и воркеры.
	manager := tasks.NewManager(a.mainCtx)
	discoveryWorker := discovery.New(gw, res, store, time.Duration(env.FetchDelayMS)*time.Millisecond)
	broadcastWorker := broadcast.New(gw, res, store, time.Duration(env.BroadcastDelaySec)*time.Second)

	manager.Register(discovery.TaskType, func(ctx context.Context, rep *tasks.Reporter, params any) (any, error) {
		req, ok := params.(discovery.Request)
		if !ok {
			return nil, errors.New("invalid discovery params")
		}
		return discoveryWorker.Run(ctx, rep, req)
	})
	manager.Register(broadcast.TaskType, func(ctx context.Context, rep *tasks.Reporter, params any) (any, error) {
		req, ok := params.(broadcast.Request)
		if !ok {
			return nil, errors.New("invalid broadcast params")
		}
		return broadcastWorker.Run(ctx, rep, req)
	})

	// 6) Web‑API поверх менеджера задач и хранилища.
	webServer := web.NewServer(env.WebServerAddress, env.WebAuthToken, manager, store, gw)

	a.runner = NewRunner(a.mainCtx, a.mainCancel, client, handle, th, manager, store, webServer)
	return a.runner.Run(a.waiter)
}
