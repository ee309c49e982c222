// Package audience — доменные модели поиска аудитории и рассылок.
// Здесь описаны дескрипторы пиров, участники аудитории, счётчики активности и
// сериализуемые артефакты (результат поиска, сессия парсинга, журнал доставки).
// Все идентификаторы платформы хранятся как десятичные строки: числовые id
// Telegram не помещаются в безопасный диапазон плавающей точки у части
// потребителей JSON, поэтому native-числа в персист не попадают никогда.
package audience

import (
	"strconv"
	"strings"
	"time"
)

// PeerKind — тип сущности платформы, к которой относится дескриптор.
type PeerKind string

// Виды пиров. Строковые метки стабильны: они попадают в персист и наружу в API.
const (
	PeerKindUser    PeerKind = "User"
	PeerKindChat    PeerKind = "Chat"
	PeerKindChannel PeerKind = "Channel"
)

// PeerDescriptor — лёгкая персистентная ссылка на сущность платформы.
// AccessHash может отсутствовать у старых записей; это восстановимое состояние
// (резолвер уходит в runtime-поиск), а не ошибка.
type PeerDescriptor struct {
	ID         string   `json:"id"`
	AccessHash string   `json:"accessHash,omitempty"`
	Kind       PeerKind `json:"type"`
}

// HasAccessHash сообщает, сохранён ли у дескриптора access hash.
func (d PeerDescriptor) HasAccessHash() bool {
	return strings.TrimSpace(d.AccessHash) != ""
}

// NumericID возвращает id как int64 для границы с протоколом.
func (d PeerDescriptor) NumericID() (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(d.ID), 10, 64)
}

// NumericAccessHash возвращает access hash как int64; ok=false при отсутствии.
func (d PeerDescriptor) NumericAccessHash() (int64, bool) {
	if !d.HasAccessHash() {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(d.AccessHash), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// PeerInfo — результат поиска сущностей: дескриптор плюс отображаемые поля.
type PeerInfo struct {
	Descriptor   PeerDescriptor `json:"peer"`
	Title        string         `json:"title"`
	Username     string         `json:"username,omitempty"`
	MembersCount int            `json:"membersCount,omitempty"`
}

// AudienceMember — участник найденной аудитории. Peer фиксируется на момент
// поиска, чтобы позже адресовать участника без повторного резолва; у legacy
// записей поле может отсутствовать (nil). Bot не сериализуется: боты
// отфильтровываются до персиста, флаг нужен только конвейеру.
type AudienceMember struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	FirstName     string          `json:"firstName"`
	LastName      string          `json:"lastName"`
	FullName      string          `json:"fullName"`
	Phone         string          `json:"phone"`
	Bio           string          `json:"bio"`
	SourceChannel string          `json:"sourceChannel"`
	Peer          *PeerDescriptor `json:"peer"`

	Bot bool `json:"-"`
}

// DisplayName подбирает человекочитаемое имя участника по цепочке
// полное имя → имя → username → id. Пустая строка — если нет вообще ничего.
func (m AudienceMember) DisplayName() string {
	for _, candidate := range []string{m.FullName, m.FirstName, m.Username, m.ID} {
		if v := strings.TrimSpace(candidate); v != "" {
			return v
		}
	}
	return ""
}

// ActivityMetrics — счётчики активности пользователя в окне сканирования.
type ActivityMetrics struct {
	Likes    int `json:"likes"`
	Comments int `json:"comments"`
	Reposts  int `json:"reposts"`
	Messages int `json:"messages"`
}

// Criteria определяет, какие счётчики участвуют в подсчёте очков активности.
// По контракту API каждый флаг по умолчанию включён (см. CriteriaSpec).
type Criteria struct {
	Likes     bool `json:"likes"`
	Comments  bool `json:"comments"`
	Reposts   bool `json:"reposts"`
	Frequency bool `json:"frequency"`
}

// CriteriaSpec — форма критериев во входном JSON: отсутствующее поле означает
// «включено». Указатели позволяют отличить пропуск от явного false.
type CriteriaSpec struct {
	Likes     *bool `json:"likes,omitempty"`
	Comments  *bool `json:"comments,omitempty"`
	Reposts   *bool `json:"reposts,omitempty"`
	Frequency *bool `json:"frequency,omitempty"`
}

// Normalize превращает спецификацию в итоговые критерии с дефолтом true.
func (s CriteriaSpec) Normalize() Criteria {
	enabled := func(v *bool) bool {
		if v == nil {
			return true
		}
		return *v
	}
	return Criteria{
		Likes:     enabled(s.Likes),
		Comments:  enabled(s.Comments),
		Reposts:   enabled(s.Reposts),
		Frequency: enabled(s.Frequency),
	}
}

// Score возвращает сумму только тех счётчиков, чей критерий включён.
func (m ActivityMetrics) Score(c Criteria) int {
	score := 0
	if c.Likes {
		score += m.Likes
	}
	if c.Comments {
		score += m.Comments
	}
	if c.Reposts {
		score += m.Reposts
	}
	if c.Frequency {
		score += m.Messages
	}
	return score
}

// ParsingSession — упорядоченный список целевых групп и породившие его
// ключевые слова поиска. Одна сессия может прогоняться конвейером целиком.
type ParsingSession struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"ownerId"`
	Keywords  []string         `json:"keywords"`
	Targets   []PeerDescriptor `json:"targets"`
	Titles    []string         `json:"titles,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// DiscoveryResult — итог одного прогона поиска аудитории. Append-only:
// после создания не мутирует, новая версия получает новый id.
type DiscoveryResult struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"ownerId"`
	Members   []AudienceMember `json:"members"`
	Count     int              `json:"count"`
	Version   int              `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
}

// Normalize восстанавливает инварианты после чтения legacy-документа:
// non-nil срез участников и согласованный Count. Отсутствующие optional-поля
// участников (peer, bio) остаются нулевыми значениями без ошибок.
func (r *DiscoveryResult) Normalize() {
	if r.Members == nil {
		r.Members = make([]AudienceMember, 0)
	}
	r.Count = len(r.Members)
}

// MergeMembers сливает участников нескольких групп, дедуплицируя по id.
// Первое вхождение побеждает и сохраняет свой sourceChannel. Порядок стабилен.
func MergeMembers(groups ...[]AudienceMember) []AudienceMember {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	out := make([]AudienceMember, 0, total)
	seen := make(map[string]struct{}, total)
	for _, g := range groups {
		for _, m := range g {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
