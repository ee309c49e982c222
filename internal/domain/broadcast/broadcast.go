// Package broadcast — последовательная рассылка сообщений по аудитории.
// Режим dm шлёт личные сообщения участникам из сохранённого результата
// поиска и/или явным получателям, режим channel — посты в каналы-источники
// аудитории. Получатели дедуплицируются и обходятся строго по одному с
// паузой между отправками. Каждая попытка фиксируется в журнале доставки;
// итоговая запись истории сохраняется даже при частичном прогоне.
package broadcast

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/tg"

	"tg-audience/internal/adapters/telegram/gateway"
	"tg-audience/internal/adapters/telegram/resolver"
	"tg-audience/internal/domain/audience"
	"tg-audience/internal/infra/logger"
)

// namePlaceholder подставляется в текст вместо {name}.
const namePlaceholder = "{name}"

// fallbackName используется, когда о получателе не известно вообще ничего.
const fallbackName = "друг"

// TaskType — имя типа задачи рассылки в оркестраторе.
const TaskType = "broadcast"

// Sender — нужная рассылке часть шлюза.
type Sender interface {
	Send(ctx context.Context, peer tg.InputPeerClass, text string, image []byte) error
}

// PeerResolver резолвит получателей в адресуемые ссылки.
type PeerResolver interface {
	Resolve(ctx context.Context, t resolver.Target) (resolver.Resolved, error)
}

// Store — персист истории и источник сохранённых результатов поиска.
type Store interface {
	SaveBroadcastRecord(rec audience.BroadcastHistoryRecord) error
	DiscoveryResult(id string) (audience.DiscoveryResult, error)
}

// Progress — приёмник прогресса рассылки: процент, счётчики
// обработано/всего и сообщение.
type Progress interface {
	Progress(p, current, limit int, message string)
}

// Recipient — один адресат рассылки. Для личных сообщений заполняются
// имена (персонализация), для каналов достаточно дескриптора или username.
type Recipient struct {
	ID        string                   `json:"id,omitempty"`
	Username  string                   `json:"username,omitempty"`
	FirstName string                   `json:"firstName,omitempty"`
	FullName  string                   `json:"fullName,omitempty"`
	Peer      *audience.PeerDescriptor `json:"peer,omitempty"`
}

// Request — параметры одной рассылки. Mode по умолчанию dm. ImageBase64 —
// байты картинки в base64, при непустом значении рассылка уходит фотографией
// с текстом в подписи.
type Request struct {
	OwnerID       string                 `json:"ownerId"`
	Mode          audience.BroadcastMode `json:"mode,omitempty"`
	ResultID      string                 `json:"resultId,omitempty"`
	Recipients    []Recipient            `json:"recipients,omitempty"`
	Message       string                 `json:"message"`
	ImageBase64   string                 `json:"imageBase64,omitempty"`
	DelaySeconds  int                    `json:"delaySeconds,omitempty"`
	MaxRecipients int                    `json:"maxRecipients,omitempty"`
}

// Worker выполняет рассылки.
type Worker struct {
	sender   Sender
	resolver PeerResolver
	store    Store

	defaultDelay time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// New создаёт воркер. defaultDelay применяется, когда запрос не задаёт паузу.
func New(sender Sender, res PeerResolver, store Store, defaultDelay time.Duration) *Worker {
	return &Worker{
		sender:       sender,
		resolver:     res,
		store:        store,
		defaultDelay: defaultDelay,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run выполняет рассылку и возвращает сохранённую запись истории.
// Отмена посреди прогона не теряет журнал: частичная запись сохраняется,
// после чего возвращается ошибка отмены.
func (w *Worker) Run(ctx context.Context, rep Progress, req Request) (*audience.BroadcastHistoryRecord, error) {
	mode := req.Mode
	if mode == "" {
		mode = audience.BroadcastModeDM
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown broadcast mode %q", req.Mode)
	}

	image, err := decodeImage(req.ImageBase64)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" && len(image) == 0 {
		return nil, fmt.Errorf("empty broadcast message")
	}

	rep.Progress(1, 0, 0, "collecting recipients")
	recipients, err := w.collectRecipients(req, mode)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	delay := w.defaultDelay
	if req.DelaySeconds > 0 {
		delay = time.Duration(req.DelaySeconds) * time.Second
	}

	log := make([]audience.DeliveryLogEntry, 0, len(recipients))
	success, failed := 0, 0
	var canceled error
	for i, rcp := range recipients {
		if ctx.Err() != nil {
			canceled = ctx.Err()
			break
		}
		entry := w.deliver(ctx, rcp, req, mode, image)
		if entry.Status == audience.DeliverySuccess {
			success++
		} else {
			failed++
		}
		log = append(log, entry)
		rep.Progress(1+99*(i+1)/len(recipients), i+1, len(recipients),
			fmt.Sprintf("delivered %d/%d, %d ok, %d failed", i+1, len(recipients), success, failed))

		// Пауза между отправками; после последнего получателя не нужна.
		if i < len(recipients)-1 {
			if errSleep := w.sleep(ctx, delay); errSleep != nil {
				canceled = errSleep
				break
			}
		}
	}

	record := w.buildRecord(req, mode, delay, len(image) > 0, log)
	if errSave := w.store.SaveBroadcastRecord(record); errSave != nil {
		return nil, fmt.Errorf("persist broadcast record: %w", errSave)
	}
	logger.Infof("Broadcast: record %s saved, %d/%d delivered (%s)",
		record.ID, record.Summary.Success, record.Summary.Total, record.Outcome)

	if canceled != nil {
		return &record, canceled
	}
	return &record, nil
}

// collectRecipients разворачивает запрос в дедуплицированный список.
// В режиме dm — участники сохранённого результата, затем явные получатели.
// В режиме channel — каналы-источники участников результата, затем явные
// цели. Первый дубль побеждает, maxRecipients усекает хвост.
func (w *Worker) collectRecipients(req Request, mode audience.BroadcastMode) ([]Recipient, error) {
	out := make([]Recipient, 0, len(req.Recipients))
	seen := make(map[string]struct{})

	add := func(rcp Recipient) {
		key := rcp.key()
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, rcp)
	}

	if req.ResultID != "" {
		res, err := w.store.DiscoveryResult(req.ResultID)
		if err != nil {
			return nil, fmt.Errorf("load discovery result %s: %w", req.ResultID, err)
		}
		for _, m := range res.Members {
			if mode == audience.BroadcastModeChannel {
				if rcp, ok := channelRecipient(m.SourceChannel); ok {
					add(rcp)
				}
				continue
			}
			add(Recipient{
				ID:        m.ID,
				Username:  m.Username,
				FirstName: m.FirstName,
				FullName:  m.FullName,
				Peer:      m.Peer,
			})
		}
	}
	for _, rcp := range req.Recipients {
		add(rcp)
	}

	if req.MaxRecipients > 0 && len(out) > req.MaxRecipients {
		out = out[:req.MaxRecipients]
	}
	return out, nil
}

// channelRecipient строит адресата-канал из метки sourceChannel участника:
// "@username" либо числовой id.
func channelRecipient(source string) (Recipient, bool) {
	source = strings.TrimSpace(source)
	switch {
	case source == "":
		return Recipient{}, false
	case strings.HasPrefix(source, "@"):
		return Recipient{Username: strings.TrimPrefix(source, "@")}, true
	default:
		return Recipient{ID: source}, true
	}
}

// decodeImage разбирает base64-картинку запроса. Пустая строка допустима.
func decodeImage(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return image, nil
}

// key — ключ дедупликации получателя.
func (r Recipient) key() string {
	switch {
	case r.ID != "":
		return "id:" + r.ID
	case r.Peer != nil:
		return "id:" + r.Peer.ID
	case r.Username != "":
		return "u:" + strings.ToLower(r.Username)
	default:
		return ""
	}
}

// ref — идентификация получателя для журнала доставки.
func (r Recipient) ref() audience.RecipientRef {
	ref := audience.RecipientRef{ID: r.ID, Username: r.Username}
	if ref.ID == "" && r.Peer != nil {
		ref.ID = r.Peer.ID
	}
	for _, candidate := range []string{r.FullName, r.FirstName} {
		if v := strings.TrimSpace(candidate); v != "" {
			ref.Name = v
			break
		}
	}
	return ref
}

// label — метка получателя для логов: username либо id.
func (r Recipient) label() string {
	switch {
	case r.Username != "":
		return "@" + r.Username
	case r.ID != "":
		return r.ID
	case r.Peer != nil:
		return r.Peer.ID
	default:
		return "unknown"
	}
}

// deliver выполняет одну доставку и возвращает запись журнала.
// Любая ошибка адресата фиксируется как failed, рассылка продолжается:
// серверные паузы FLOOD_WAIT уже отработаны троттлером внутри шлюза.
func (w *Worker) deliver(ctx context.Context, rcp Recipient, req Request, mode audience.BroadcastMode, image []byte) audience.DeliveryLogEntry {
	start := w.now()
	entry := audience.DeliveryLogEntry{
		Recipient: rcp.ref(),
		Status:    audience.DeliverySuccess,
		Timestamp: start,
	}

	text := req.Message
	if mode == audience.BroadcastModeDM {
		// Персонализация только для личных сообщений: у канала нет имени
		// получателя.
		text = w.personalize(text, rcp)
	}

	resolved, err := w.resolver.Resolve(ctx, resolver.Target{Desc: rcp.Peer, Username: rcp.Username, ID: rcp.ID})
	if err == nil {
		err = w.sender.Send(ctx, resolved.Peer, text, image)
	}
	if err != nil {
		entry.Status = audience.DeliveryFailed
		entry.Error = err.Error()
		if gateway.IsPermanentSendError(err) {
			logger.Warnf("Broadcast: %s rejected permanently: %v", rcp.label(), err)
		} else {
			logger.Warnf("Broadcast: %s failed: %v", rcp.label(), err)
		}
	}
	entry.DurationMs = w.now().Sub(start).Milliseconds()
	return entry
}

// personalize подставляет имя получателя вместо {name}: полное имя →
// имя → username → id → нейтральное обращение.
func (w *Worker) personalize(text string, rcp Recipient) string {
	if !strings.Contains(text, namePlaceholder) {
		return text
	}
	name := fallbackName
	for _, candidate := range []string{rcp.FullName, rcp.FirstName, rcp.Username, rcp.ID} {
		if v := strings.TrimSpace(candidate); v != "" {
			name = v
			break
		}
	}
	return strings.ReplaceAll(text, namePlaceholder, name)
}

// buildRecord собирает запись истории из журнала доставки.
func (w *Worker) buildRecord(
	req Request,
	mode audience.BroadcastMode,
	delay time.Duration,
	hasImage bool,
	log []audience.DeliveryLogEntry,
) audience.BroadcastHistoryRecord {
	summary := audience.BroadcastSummary{Total: len(log)}
	for _, entry := range log {
		if entry.Status == audience.DeliverySuccess {
			summary.Success++
		} else {
			summary.Failed++
		}
	}
	return audience.BroadcastHistoryRecord{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		Mode:         mode,
		Message:      req.Message,
		HasImage:     hasImage,
		DelaySeconds: int(delay / time.Second),
		Outcome:      summary.Classify(),
		Summary:      summary,
		Log:          log,
		Timestamp:    w.now(),
	}
}
