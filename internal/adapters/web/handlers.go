package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tg-audience/internal/domain/audience"
	"tg-audience/internal/domain/broadcast"
	"tg-audience/internal/domain/discovery"
	"tg-audience/internal/domain/tasks"
	"tg-audience/internal/infra/logger"
	"tg-audience/internal/infra/resultstore"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// handleCreateDiscovery ставит задачу поиска аудитории.
func (s *Server) handleCreateDiscovery(w http.ResponseWriter, r *http.Request) {
	var req discovery.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.SessionID == "" && len(req.Groups) == 0 {
		writeError(w, http.StatusBadRequest, "either sessionId or groups is required")
		return
	}

	id := s.manager.Enqueue(discovery.TaskType, req)
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": id})
}

// handleCreateBroadcast ставит задачу рассылки.
func (s *Server) handleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcast.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.Mode != "" && !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be dm or channel")
		return
	}
	if req.ResultID == "" && len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "either resultId or recipients is required")
		return
	}

	id := s.manager.Enqueue(broadcast.TaskType, req)
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": id})
}

// handleListTasks возвращает задачи с фильтрами по типу и статусу.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	taskType := r.URL.Query().Get("type")
	status := tasks.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.manager.List(taskType, status))
}

// handleGetTask возвращает снимок одной задачи.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCancelTask запрашивает кооперативную отмену задачи.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	err := s.manager.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, tasks.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, tasks.ErrTaskFinished):
		writeError(w, http.StatusConflict, "task already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
	}
}

// handleStreamTask транслирует события задачи как Server-Sent Events.
// Поток закрывается терминальным событием задачи либо уходом клиента.
func (s *Server) handleStreamTask(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe, err := s.manager.Subscribe(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, errJSON := json.Marshal(ev)
			if errJSON != nil {
				logger.Errorf("SSE: encode event: %v", errJSON)
				return
			}
			writeResponse(w, []byte(fmt.Sprintf("data: %s\n\n", data)))
			flusher.Flush()
		}
	}
}

// handleSearch ищет группы и каналы по текстовому запросу.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, errLimit := strconv.Atoi(raw)
		if errLimit != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxSearchLimit)
	}

	entities, err := s.searcher.SearchEntities(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	out := make([]audience.PeerInfo, 0, len(entities))
	for _, ent := range entities {
		out = append(out, audience.PeerInfo{
			Descriptor:   ent.Descriptor,
			Title:        ent.Title,
			Username:     ent.Username,
			MembersCount: ent.MembersCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListResults возвращает результаты поиска владельца.
func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListDiscoveryResults(r.URL.Query().Get("ownerId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleGetResult возвращает один результат поиска.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.DiscoveryResult(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListHistory возвращает историю рассылок владельца.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListBroadcastRecords(r.URL.Query().Get("ownerId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetHistory возвращает одну запись истории рассылок.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.BroadcastRecord(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCreateSession сохраняет сессию парсинга: упорядоченный список
// целевых групп с породившими его ключевыми словами.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var sess audience.ParsingSession
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if len(sess.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "targets are required")
		return
	}
	sess.ID = uuid.NewString()
	sess.CreatedAt = time.Now()

	if err := s.store.SaveParsingSession(sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleListSessions возвращает сессии владельца.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListParsingSessions(r.URL.Query().Get("ownerId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleGetSession возвращает одну сессию.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.ParsingSession(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// writeStoreError переводит ошибки хранилища в HTTP-статусы.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, resultstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
