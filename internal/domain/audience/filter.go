package audience

import "strings"

// FilterOptions — опциональные пост-фильтры аудитории. Применяются после
// обогащения профилей, перед персистом результата. Боты и закрытые профили
// (без username) отсеиваются всегда, независимо от настроек.
type FilterOptions struct {
	BioKeywords       []string `json:"bioKeywords,omitempty"`
	ParticipantsLimit int      `json:"participantsLimit,omitempty"`
}

// IsBot распознаёт бота по флагу платформы либо по суффиксу username
// (регистронезависимо): у части сущностей флаг недоступен, суффикс "bot"
// у Telegram зарезервирован за ботами.
func IsBot(m AudienceMember) bool {
	if m.Bot {
		return true
	}
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(m.Username)), "bot")
}

// MatchesBio сообщает, содержит ли bio хотя бы одно из ключевых слов
// (регистронезависимый поиск подстроки). Пустой список слов пропускает всех.
func MatchesBio(bio string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lowered := strings.ToLower(bio)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// ApplyFilters прогоняет участников через фильтры, сохраняя порядок.
// Боты и участники без username выбрасываются безусловно: в результат
// попадают только те, кому можно написать в личку по username.
// Исходный срез не мутирует.
func ApplyFilters(members []AudienceMember, opts FilterOptions) []AudienceMember {
	out := make([]AudienceMember, 0, len(members))
	for _, m := range members {
		if IsBot(m) {
			continue
		}
		if strings.TrimSpace(m.Username) == "" {
			continue
		}
		if len(opts.BioKeywords) > 0 && !MatchesBio(m.Bio, opts.BioKeywords) {
			continue
		}
		out = append(out, m)
	}
	return out
}
