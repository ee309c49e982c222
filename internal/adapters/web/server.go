// Package web — HTTP API приложения: постановка задач, наблюдение за их
// прогрессом (включая SSE-поток), доступ к сохранённым результатам,
// истории рассылок и сессиям парсинга. Авторизация — статическим bearer
// токеном из конфигурации.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tg-audience/internal/adapters/telegram/gateway"
	"tg-audience/internal/domain/audience"
	"tg-audience/internal/domain/tasks"
	"tg-audience/internal/infra/logger"

	"go.uber.org/zap"
)

const (
	readTimeout = 15 * time.Second
	idleTimeout = 60 * time.Second

	// Запись не ограничена общим таймаутом: SSE-поток живёт, пока жива задача.
	writeTimeout = 0
)

// Searcher — поиск сущностей платформы для подбора целевых групп.
type Searcher interface {
	SearchEntities(ctx context.Context, query string, limit int) ([]gateway.Entity, error)
}

// Store — читающая и сессионная часть хранилища результатов.
type Store interface {
	DiscoveryResult(id string) (audience.DiscoveryResult, error)
	ListDiscoveryResults(ownerID string) ([]audience.DiscoveryResult, error)
	BroadcastRecord(id string) (audience.BroadcastHistoryRecord, error)
	ListBroadcastRecords(ownerID string) ([]audience.BroadcastHistoryRecord, error)
	SaveParsingSession(sess audience.ParsingSession) error
	ParsingSession(id string) (audience.ParsingSession, error)
	ListParsingSessions(ownerID string) ([]audience.ParsingSession, error)
}

// Server — HTTP-сервер API.
type Server struct {
	srv      *http.Server
	manager  *tasks.Manager
	store    Store
	searcher Searcher
	token    string
}

// NewServer собирает сервер с роутингом и middleware. Пустой token
// отключает авторизацию; предупреждение об этом выдаёт слой конфигурации.
func NewServer(addr, token string, manager *tasks.Manager, store Store, searcher Searcher) *Server {
	s := &Server{
		manager:  manager,
		store:    store,
		searcher: searcher,
		token:    token,
	}

	mux := http.NewServeMux()

	// Публичные эндпоинты (без авторизации).
	mux.HandleFunc("GET /health", s.handleHealth)

	// Защищённые эндпоинты API.
	api := http.NewServeMux()
	api.HandleFunc("POST /api/tasks/discovery", s.handleCreateDiscovery)
	api.HandleFunc("POST /api/tasks/broadcast", s.handleCreateBroadcast)
	api.HandleFunc("GET /api/tasks", s.handleListTasks)
	api.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	api.HandleFunc("GET /api/tasks/{id}/stream", s.handleStreamTask)
	api.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)

	api.HandleFunc("GET /api/search", s.handleSearch)

	api.HandleFunc("GET /api/results", s.handleListResults)
	api.HandleFunc("GET /api/results/{id}", s.handleGetResult)
	api.HandleFunc("GET /api/history", s.handleListHistory)
	api.HandleFunc("GET /api/history/{id}", s.handleGetHistory)

	api.HandleFunc("POST /api/sessions", s.handleCreateSession)
	api.HandleFunc("GET /api/sessions", s.handleListSessions)
	api.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)

	mux.Handle("/api/", s.authMiddleware(api))

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler возвращает корневой обработчик со всем роутингом и middleware.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start запускает сервер и блокируется до его остановки.
func (s *Server) Start() error {
	logger.Info("Starting web server", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server error: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down web server...")
	return s.srv.Shutdown(ctx)
}

// handleHealth — проверка живости.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}
