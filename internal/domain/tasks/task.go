// Package tasks — оркестратор фоновых задач с трансляцией прогресса.
// Задача проходит жизненный цикл queued → running → {completed | failed},
// терминальное состояние неизменяемо. Наблюдатели подписываются на поток
// событий задачи; события упорядочены, прогресс монотонно неубывающий.
package tasks

import (
	"time"
)

// Status — состояние жизненного цикла задачи.
type Status string

// Состояния задачи. Переходы только вперёд: queued → running → терминал.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal сообщает, достигла ли задача конечного состояния.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event — единица потока прогресса задачи. Current/Limit — числовые счётчики
// текущего шага (обработано/всего), ноль означает "не сообщалось". Для
// терминального события заполняется Result либо Error, после него поток
// закрывается.
type Event struct {
	TaskID    string    `json:"taskId"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Current   int       `json:"current"`
	Limit     int       `json:"limit"`
	Message   string    `json:"message,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot — моментальный снимок задачи для выдачи наружу.
type Snapshot struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	Current    int       `json:"current"`
	Limit      int       `json:"limit"`
	Message    string    `json:"message,omitempty"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}
