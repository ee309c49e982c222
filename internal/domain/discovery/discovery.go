// Package discovery — конвейер поиска активной аудитории по группам.
// Для каждой целевой группы сканируется история за окно lastDays и
// собираются счётчики активности, затем активные пользователи пересекаются
// со списком участников, сливаются с дедупликацией, обогащаются полными
// профилями и проходят пост-фильтры. Итог сохраняется как неизменяемый
// результат поиска.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/tg"

	"tg-audience/internal/adapters/telegram/gateway"
	"tg-audience/internal/adapters/telegram/resolver"
	"tg-audience/internal/domain/audience"
	"tg-audience/internal/infra/logger"
)

// Размеры страниц API. Больше — меньше RPC, но выше цена FLOOD_WAIT.
const (
	historyPageSize      = 100
	participantsPageSize = 200
)

// defaultLastDays — окно сканирования, если запрос его не задал.
const defaultLastDays = 30

// TaskType — имя типа задачи поиска аудитории в оркестраторе.
const TaskType = "discovery"

// Gateway — нужная конвейеру часть шлюза платформы.
type Gateway interface {
	HistoryPage(ctx context.Context, peer tg.InputPeerClass, offsetID, limit int) ([]gateway.Message, int, error)
	ChannelParticipantsPage(ctx context.Context, id, accessHash int64, offset, limit int) ([]gateway.Entity, int, error)
	ChatParticipants(ctx context.Context, chatID int64) ([]gateway.Entity, error)
	UserByID(ctx context.Context, id, accessHash int64) (gateway.Entity, error)
	FullProfile(ctx context.Context, id, accessHash int64) (gateway.Profile, error)
}

// PeerResolver резолвит целевые группы в адресуемые ссылки.
type PeerResolver interface {
	Resolve(ctx context.Context, t resolver.Target) (resolver.Resolved, error)
}

// Store — персист результатов и источник сохранённых сессий парсинга.
type Store interface {
	SaveDiscoveryResult(res audience.DiscoveryResult) error
	ListDiscoveryResults(ownerID string) ([]audience.DiscoveryResult, error)
	ParsingSession(id string) (audience.ParsingSession, error)
}

// Progress — приёмник прогресса конвейера: процент, счётчики
// обработано/всего текущего шага и сообщение.
type Progress interface {
	Progress(p, current, limit int, message string)
}

// GroupRef — ссылка на целевую группу в запросе. Достаточно любого из полей.
type GroupRef struct {
	ID       string                   `json:"id,omitempty"`
	Username string                   `json:"username,omitempty"`
	Peer     *audience.PeerDescriptor `json:"peer,omitempty"`
}

// Request — параметры одного прогона поиска. SessionID и Groups
// взаимозаменяемы: сессия разворачивается в список групп.
type Request struct {
	OwnerID     string                 `json:"ownerId"`
	SessionID   string                 `json:"sessionId,omitempty"`
	Groups      []GroupRef             `json:"groups,omitempty"`
	LastDays    int                    `json:"lastDays,omitempty"`
	MinActivity int                    `json:"minActivity,omitempty"`
	Criteria    audience.CriteriaSpec  `json:"criteria,omitempty"`
	Filters     audience.FilterOptions `json:"filters,omitempty"`
}

// Worker выполняет прогоны поиска аудитории.
type Worker struct {
	gw         Gateway
	resolver   PeerResolver
	store      Store
	fetchDelay time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New создаёт воркер. fetchDelay — пауза между страницами истории и
// участников поверх общего троттлера.
func New(gw Gateway, res PeerResolver, store Store, fetchDelay time.Duration) *Worker {
	return &Worker{
		gw:         gw,
		resolver:   res,
		store:      store,
		fetchDelay: fetchDelay,
		now:        time.Now,
		sleep:      sleepCtx,
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

// Run выполняет полный прогон и возвращает сохранённый результат.
func (w *Worker) Run(ctx context.Context, rep Progress, req Request) (*audience.DiscoveryResult, error) {
	criteria := req.Criteria.Normalize()
	lastDays := req.LastDays
	if lastDays <= 0 {
		lastDays = defaultLastDays
	}
	cutoff := w.now().AddDate(0, 0, -lastDays).Unix()

	rep.Progress(1, 0, 0, "resolving target groups")
	groups, err := w.expandGroups(req)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, errors.New("no target groups")
	}

	// Сканирование групп: резолв, история, участники, отбор по активности.
	// Слияние инкрементальное с дедупликацией, первое вхождение сохраняет
	// свой источник. Набрав participantsLimit уникальных, остальные группы
	// не сканируем.
	limit := req.Filters.ParticipantsLimit
	var merged []audience.AudienceMember
	var groupErrs []error
	scanned := 0
	scanBudget := 70 // проценты прогресса на фазу сканирования
	for i, ref := range groups {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		base := 5 + scanBudget*i/len(groups)
		members, errGroup := w.scanGroup(ctx, rep, ref, cutoff, criteria, req.MinActivity, base, i+1, len(groups))
		if errGroup != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warnf("Discovery: group %s skipped: %v", groupLabel(ref), errGroup)
			groupErrs = append(groupErrs, errGroup)
			continue
		}
		scanned++
		merged = audience.MergeMembers(merged, members)
		if limit > 0 && len(merged) >= limit {
			logger.Infof("Discovery: participants limit %d reached after %d of %d group(s)", limit, i+1, len(groups))
			break
		}
	}
	if scanned == 0 {
		return nil, fmt.Errorf("all groups failed: %w", errors.Join(groupErrs...))
	}

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	rep.Progress(75, 0, 0, fmt.Sprintf("%d unique members", len(merged)))

	// Обогащение профилей: по одному RPC на участника, поэтому после
	// усечения и с кэшем на весь прогон.
	w.enrich(ctx, rep, merged)

	filtered := audience.ApplyFilters(merged, req.Filters)
	rep.Progress(96, 0, 0, fmt.Sprintf("%d members after filters", len(filtered)))

	result := audience.DiscoveryResult{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Members:   filtered,
		Count:     len(filtered),
		Version:   w.nextVersion(req.OwnerID),
		Timestamp: w.now(),
	}
	if err := w.store.SaveDiscoveryResult(result); err != nil {
		return nil, fmt.Errorf("persist discovery result: %w", err)
	}
	rep.Progress(100, 0, 0, fmt.Sprintf("saved %s", result.ID))
	logger.Infof("Discovery: result %s saved, %d member(s)", result.ID, result.Count)
	return &result, nil
}

// expandGroups разворачивает запрос в список групп: сохранённая сессия
// либо явный список.
func (w *Worker) expandGroups(req Request) ([]GroupRef, error) {
	if req.SessionID == "" {
		return req.Groups, nil
	}
	sess, err := w.store.ParsingSession(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load parsing session %s: %w", req.SessionID, err)
	}
	refs := make([]GroupRef, 0, len(sess.Targets)+len(req.Groups))
	for i := range sess.Targets {
		refs = append(refs, GroupRef{Peer: &sess.Targets[i]})
	}
	return append(refs, req.Groups...), nil
}

// scanGroup собирает активных участников одной группы. pos/total —
// позиция группы в прогоне для счётчиков прогресса.
func (w *Worker) scanGroup(
	ctx context.Context,
	rep Progress,
	ref GroupRef,
	cutoff int64,
	criteria audience.Criteria,
	minActivity int,
	progressBase int,
	pos, total int,
) ([]audience.AudienceMember, error) {
	resolved, err := w.resolver.Resolve(ctx, resolver.Target{Desc: ref.Peer, Username: ref.Username, ID: ref.ID})
	if err != nil {
		return nil, err
	}
	label := groupLabel(ref)
	rep.Progress(progressBase, pos, total, "scanning "+label)

	metrics, err := w.scanHistory(ctx, resolved.Peer, cutoff)
	if err != nil {
		return nil, err
	}

	// Активные авторы истории; листание участников останавливается,
	// как только все они найдены.
	active := make(map[string]struct{}, len(metrics))
	for id, m := range metrics {
		if m.Score(criteria) >= minActivity {
			active[id] = struct{}{}
		}
	}

	participants, errPart := w.fetchParticipants(ctx, resolved.Descriptor, active)
	if errPart != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Список участников бывает закрыт (каналы без прав админа).
		// Тогда аудитория строится напрямую из авторов истории.
		logger.Warnf("Discovery: participants of %s unavailable (%v), falling back to history authors", label, errPart)
		participants = nil
	}

	members := make([]audience.AudienceMember, 0, len(participants))
	if participants != nil {
		for _, ent := range participants {
			if _, ok := active[ent.Descriptor.ID]; !ok {
				continue
			}
			members = append(members, memberFromEntity(ent, label))
		}
		return members, nil
	}

	// Авторы истории известны только по id; профиль дозапрашивается, чтобы
	// участник получил username и прошёл финальные фильтры.
	for id := range active {
		member := audience.AudienceMember{ID: id, SourceChannel: label}
		if uid, errID := strconv.ParseInt(id, 10, 64); errID == nil {
			if ent, errUser := w.gw.UserByID(ctx, uid, 0); errUser == nil {
				member = memberFromEntity(ent, label)
			} else {
				logger.Debugf("Discovery: author %s not resolved: %v", id, errUser)
			}
		}
		members = append(members, member)
	}
	return members, nil
}

// scanHistory листает историю назад до границы окна и накапливает счётчики
// по авторам. Обычный пост идёт автору в messages, ответ в comments,
// пересылка засчитывается исходному автору как repost, реакции — реакторам
// как likes.
func (w *Worker) scanHistory(ctx context.Context, peer tg.InputPeerClass, cutoff int64) (map[string]audience.ActivityMetrics, error) {
	metrics := make(map[string]audience.ActivityMetrics)
	offsetID := 0
	for {
		page, nextOffset, err := w.gw.HistoryPage(ctx, peer, offsetID, historyPageSize)
		if err != nil {
			return nil, err
		}
		reachedCutoff := false
		for _, msg := range page {
			if msg.Date < cutoff {
				reachedCutoff = true
				break
			}
			if msg.AuthorID != "" {
				m := metrics[msg.AuthorID]
				switch {
				case msg.Reply:
					m.Comments++
				case msg.Forward:
					// Пересылающему активность не засчитывается.
				default:
					m.Messages++
				}
				metrics[msg.AuthorID] = m
			}
			if msg.Forward && msg.ForwardFrom != "" {
				m := metrics[msg.ForwardFrom]
				m.Reposts++
				metrics[msg.ForwardFrom] = m
			}
			for _, reactor := range msg.ReactorIDs {
				m := metrics[reactor]
				m.Likes++
				metrics[reactor] = m
			}
		}
		if reachedCutoff || nextOffset == 0 || nextOffset == offsetID {
			return metrics, nil
		}
		offsetID = nextOffset
		if err := w.sleep(ctx, w.fetchDelay); err != nil {
			return nil, err
		}
	}
}

// fetchParticipants собирает список участников группы. Листание канала
// останавливается досрочно, когда все активные авторы из wanted уже
// встретились: дальше страницы не добавят никого в пересечение.
func (w *Worker) fetchParticipants(ctx context.Context, desc audience.PeerDescriptor, wanted map[string]struct{}) ([]gateway.Entity, error) {
	id, err := desc.NumericID()
	if err != nil {
		return nil, fmt.Errorf("malformed group id %q: %w", desc.ID, err)
	}

	if desc.Kind == audience.PeerKindChat {
		return w.gw.ChatParticipants(ctx, id)
	}

	remaining := make(map[string]struct{}, len(wanted))
	for uid := range wanted {
		remaining[uid] = struct{}{}
	}

	hash, _ := desc.NumericAccessHash()
	var out []gateway.Entity
	for offset := 0; ; {
		page, total, errPage := w.gw.ChannelParticipantsPage(ctx, id, hash, offset, participantsPageSize)
		if errPage != nil {
			return nil, errPage
		}
		out = append(out, page...)
		offset += len(page)
		for _, ent := range page {
			delete(remaining, ent.Descriptor.ID)
		}
		if len(page) == 0 || offset >= total {
			return out, nil
		}
		if len(wanted) > 0 && len(remaining) == 0 {
			logger.Debugf("Discovery: all %d active author(s) located after %d participant(s)", len(wanted), offset)
			return out, nil
		}
		if errSleep := w.sleep(ctx, w.fetchDelay); errSleep != nil {
			return nil, errSleep
		}
	}
}

// enrich дозапрашивает полные профили участников-пользователей: телефон,
// bio и актуальные имена (кэшированные сущности могут отставать от профиля).
// Ошибки обогащения не фатальны: участник остаётся с базовыми полями.
// Кэш покрывает пересечение участников между группами в одном прогоне.
func (w *Worker) enrich(ctx context.Context, rep Progress, members []audience.AudienceMember) {
	cache := make(map[string]gateway.Profile, len(members))
	for i := range members {
		if ctx.Err() != nil {
			return
		}
		m := &members[i]
		if m.Peer == nil || m.Peer.Kind != audience.PeerKindUser {
			continue
		}
		profile, ok := cache[m.ID]
		if !ok {
			id, errID := m.Peer.NumericID()
			if errID != nil {
				continue
			}
			hash, _ := m.Peer.NumericAccessHash()
			var errFull error
			profile, errFull = w.gw.FullProfile(ctx, id, hash)
			if errFull != nil {
				logger.Debugf("Discovery: profile of %s not enriched: %v", m.ID, errFull)
				continue
			}
			cache[m.ID] = profile
		}
		m.Phone = profile.Phone
		m.Bio = profile.Bio
		if profile.FirstName != "" || profile.LastName != "" {
			m.FirstName = profile.FirstName
			m.LastName = profile.LastName
			m.FullName = strings.TrimSpace(strings.TrimSpace(profile.FirstName) + " " + strings.TrimSpace(profile.LastName))
		}
		if len(members) > 0 {
			rep.Progress(76+19*(i+1)/len(members), i+1, len(members),
				fmt.Sprintf("enriched %d/%d", i+1, len(members)))
		}
	}
}

// nextVersion нумерует результаты владельца по порядку. Ошибка листинга не
// валит прогон: версия тогда начинается с единицы.
func (w *Worker) nextVersion(ownerID string) int {
	existing, err := w.store.ListDiscoveryResults(ownerID)
	if err != nil {
		logger.Warnf("Discovery: version lookup failed: %v", err)
		return 1
	}
	return len(existing) + 1
}

// memberFromEntity строит участника аудитории из сущности платформы.
func memberFromEntity(ent gateway.Entity, source string) audience.AudienceMember {
	desc := ent.Descriptor
	return audience.AudienceMember{
		ID:            desc.ID,
		Username:      ent.Username,
		FirstName:     ent.FirstName,
		LastName:      ent.LastName,
		FullName:      strings.TrimSpace(strings.TrimSpace(ent.FirstName) + " " + strings.TrimSpace(ent.LastName)),
		SourceChannel: source,
		Peer:          &desc,
		Bot:           ent.Bot,
	}
}

// groupLabel — человекочитаемая метка группы для логов и sourceChannel.
func groupLabel(ref GroupRef) string {
	switch {
	case ref.Username != "":
		return "@" + ref.Username
	case ref.ID != "":
		return ref.ID
	case ref.Peer != nil:
		return ref.Peer.ID
	default:
		return "unknown"
	}
}
