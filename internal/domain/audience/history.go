package audience

import "time"

// BroadcastMode — режим рассылки: личные сообщения участникам либо посты
// в каналы-источники аудитории.
type BroadcastMode string

// Режимы рассылки. Строки попадают в персист и в API как есть.
const (
	BroadcastModeDM      BroadcastMode = "dm"
	BroadcastModeChannel BroadcastMode = "channel"
)

// Valid сообщает, известен ли режим.
func (m BroadcastMode) Valid() bool {
	return m == BroadcastModeDM || m == BroadcastModeChannel
}

// DeliveryStatus — исход одной попытки доставки.
type DeliveryStatus string

// Статусы доставки. Строки попадают в персист и в API как есть.
const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// RecipientRef — идентификация получателя в журнале доставки. Заполняются
// известные поля: у ручных целей это либо id, либо username.
type RecipientRef struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
}

// DeliveryLogEntry — запись журнала доставки по одному получателю.
// Error заполняется только при неуспехе, DurationMs — длительность попытки.
type DeliveryLogEntry struct {
	Recipient  RecipientRef   `json:"recipient"`
	Status     DeliveryStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"durationMs"`
}

// BroadcastSummary — агрегат по завершённой рассылке.
type BroadcastSummary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// BroadcastOutcome — итоговая классификация рассылки.
type BroadcastOutcome string

// Классы исходов: все доставлены, ни одного, либо частично.
const (
	BroadcastCompleted BroadcastOutcome = "completed"
	BroadcastFailed    BroadcastOutcome = "failed"
	BroadcastPartial   BroadcastOutcome = "partial"
)

// Classify выводит класс исхода из агрегата. Пустая рассылка без получателей
// считается завершённой: отправлять было нечего, ошибок не случилось.
func (s BroadcastSummary) Classify() BroadcastOutcome {
	switch {
	case s.Failed == 0:
		return BroadcastCompleted
	case s.Success == 0:
		return BroadcastFailed
	default:
		return BroadcastPartial
	}
}

// BroadcastHistoryRecord — сохранённая история одной рассылки: режим, текст,
// параметры отправки, агрегат, поимённый журнал и итоговый класс.
type BroadcastHistoryRecord struct {
	ID           string             `json:"id"`
	OwnerID      string             `json:"ownerId"`
	Mode         BroadcastMode      `json:"mode"`
	Message      string             `json:"message"`
	HasImage     bool               `json:"hasImage"`
	DelaySeconds int                `json:"delaySeconds"`
	Outcome      BroadcastOutcome   `json:"outcome"`
	Summary      BroadcastSummary   `json:"summary"`
	Log          []DeliveryLogEntry `json:"log"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Normalize восстанавливает инварианты после чтения legacy-документа.
func (r *BroadcastHistoryRecord) Normalize() {
	if r.Mode == "" {
		r.Mode = BroadcastModeDM
	}
	if r.Log == nil {
		r.Log = make([]DeliveryLogEntry, 0)
	}
	if r.Outcome == "" {
		r.Outcome = r.Summary.Classify()
	}
}
