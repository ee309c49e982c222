// Package gateway — тонкая обёртка над MTProto API для конвейера поиска
// аудитории и рассылок. Все вызовы идут через троттлер: серверные паузы
// FLOOD_WAIT уважаются целиком, временные сбои ретраятся с backoff.
// Наружу пакет отдаёт плоские структуры без протокольных типов, кроме
// tg.InputPeerClass — это рабочая «адресуемая ссылка» для уже
// отрезолвленных пиров.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tg-audience/internal/domain/audience"
	"tg-audience/internal/infra/logger"
	"tg-audience/internal/infra/telegram/connect"
	"tg-audience/internal/infra/throttle"
)

// Entity — найденная сущность платформы в плоском виде: дескриптор плюс
// отображаемые поля. Для пользователей заполняются имена и флаг бота,
// для групп и каналов — заголовок и размер.
type Entity struct {
	Descriptor   audience.PeerDescriptor
	Title        string
	Username     string
	FirstName    string
	LastName     string
	MembersCount int
	Bot          bool
}

// Profile — поля профиля пользователя из запроса полного профиля: телефон,
// bio и актуальные имена (в кэшированной сущности они могут устареть).
type Profile struct {
	Phone     string
	Bio       string
	FirstName string
	LastName  string
}

// Message — одно сообщение истории в плоском виде. AuthorID пуст для
// анонимных и служебных сообщений. ForwardFrom — id исходного автора
// пересланного сообщения, пуст для скрытых источников. ReactorIDs — авторы
// недавних реакций (платформа отдаёт только хвост списка, этого достаточно
// для оценки активности).
type Message struct {
	ID          int
	AuthorID    string
	Date        int64
	Reply       bool
	Forward     bool
	ForwardFrom string
	ReactorIDs  []string
}

// Gateway выполняет MTProto-запросы через троттлер.
type Gateway struct {
	api  *tg.Client
	th   *throttle.Throttler
	conn *connect.Handle
}

// New создаёт шлюз поверх api и запущенного троттлера. conn — ручка
// готовности соединения; nil отключает ожидание готовности (для тестов).
func New(api *tg.Client, th *throttle.Throttler, conn *connect.Handle) *Gateway {
	if th == nil {
		panic("gateway: throttler must not be nil")
	}
	return &Gateway{api: api, th: th, conn: conn}
}

// FloodWait — экстрактор серверной паузы для троттлера: длительность из
// FLOOD_WAIT отрабатывается целиком, без роста счётчика попыток.
func FloodWait(err error) (time.Duration, bool) {
	return tgerr.AsFloodWait(err)
}

// do прогоняет RPC через троттлер. Перед вызовом дожидается готовности
// соединения; сетевые ошибки после попыток троттлера помечают соединение
// упавшим, чтобы следующие вызовы ждали восстановления.
func (g *Gateway) do(ctx context.Context, fn func() error) error {
	if g.conn != nil {
		if err := g.conn.WaitReady(ctx); err != nil {
			return err
		}
	}
	err := g.th.Do(ctx, fn)
	if err != nil && g.conn != nil {
		g.conn.HandleError(err)
	}
	return err
}

// SelfID возвращает id авторизованного аккаунта как десятичную строку.
func (g *Gateway) SelfID(ctx context.Context) (string, error) {
	var users []tg.UserClass
	err := g.do(ctx, func() error {
		var errAPI error
		users, errAPI = g.api.UsersGetUsers(ctx, []tg.InputUserClass{&tg.InputUserSelf{}})
		return errAPI
	})
	if err != nil {
		return "", fmt.Errorf("get self: %w", err)
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			return strconv.FormatInt(user.ID, 10), nil
		}
	}
	return "", fmt.Errorf("get self: empty response")
}

// SearchEntities ищет группы и каналы по текстовому запросу через глобальный
// поиск платформы. Пользователи из выдачи отбрасываются: цель поиска —
// источники аудитории.
func (g *Gateway) SearchEntities(ctx context.Context, query string, limit int) ([]Entity, error) {
	var found *tg.ContactsFound
	err := g.do(ctx, func() error {
		var errAPI error
		found, errAPI = g.api.ContactsSearch(ctx, &tg.ContactsSearchRequest{Q: query, Limit: limit})
		return errAPI
	})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	out := make([]Entity, 0, len(found.Chats))
	for _, chat := range found.Chats {
		if ent, ok := entityFromChat(chat); ok {
			out = append(out, ent)
		}
	}
	logger.Debugf("Gateway: search %q returned %d entities", query, len(out))
	return out, nil
}

// ResolveUsername резолвит публичный username в сущность платформы.
func (g *Gateway) ResolveUsername(ctx context.Context, username string) (Entity, error) {
	var resolved *tg.ContactsResolvedPeer
	err := g.do(ctx, func() error {
		var errAPI error
		resolved, errAPI = g.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
		return errAPI
	})
	if err != nil {
		return Entity{}, fmt.Errorf("resolve username %q: %w", username, err)
	}

	switch peer := resolved.Peer.(type) {
	case *tg.PeerUser:
		for _, u := range resolved.Users {
			if user, ok := u.(*tg.User); ok && user.ID == peer.UserID {
				return entityFromUser(user), nil
			}
		}
	case *tg.PeerChat, *tg.PeerChannel:
		for _, chat := range resolved.Chats {
			if ent, ok := entityFromChat(chat); ok {
				return ent, nil
			}
		}
	}
	return Entity{}, fmt.Errorf("resolve username %q: peer missing in response", username)
}

// UserByID запрашивает пользователя по паре id + access hash.
func (g *Gateway) UserByID(ctx context.Context, id, accessHash int64) (Entity, error) {
	var users []tg.UserClass
	err := g.do(ctx, func() error {
		var errAPI error
		users, errAPI = g.api.UsersGetUsers(ctx, []tg.InputUserClass{
			&tg.InputUser{UserID: id, AccessHash: accessHash},
		})
		return errAPI
	})
	if err != nil {
		return Entity{}, fmt.Errorf("get user %d: %w", id, err)
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok && user.ID == id {
			return entityFromUser(user), nil
		}
	}
	return Entity{}, fmt.Errorf("get user %d: not found", id)
}

// ChannelByID запрашивает канал или супергруппу по паре id + access hash.
func (g *Gateway) ChannelByID(ctx context.Context, id, accessHash int64) (Entity, error) {
	var chats tg.MessagesChatsClass
	err := g.do(ctx, func() error {
		var errAPI error
		chats, errAPI = g.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: id, AccessHash: accessHash},
		})
		return errAPI
	})
	if err != nil {
		return Entity{}, fmt.Errorf("get channel %d: %w", id, err)
	}
	for _, chat := range chats.GetChats() {
		if ent, ok := entityFromChat(chat); ok && ent.Descriptor.ID == strconv.FormatInt(id, 10) {
			return ent, nil
		}
	}
	return Entity{}, fmt.Errorf("get channel %d: not found", id)
}

// FullProfile запрашивает полный профиль пользователя: телефон, bio и
// актуальные имена. Отдельный RPC на каждого участника, поэтому вызывающий
// кэширует результат.
func (g *Gateway) FullProfile(ctx context.Context, id, accessHash int64) (Profile, error) {
	var full *tg.UsersUserFull
	err := g.do(ctx, func() error {
		var errAPI error
		full, errAPI = g.api.UsersGetFullUser(ctx, &tg.InputUser{UserID: id, AccessHash: accessHash})
		return errAPI
	})
	if err != nil {
		return Profile{}, fmt.Errorf("get full user %d: %w", id, err)
	}

	profile := Profile{Bio: full.FullUser.About}
	for _, u := range full.Users {
		if user, ok := u.(*tg.User); ok && user.ID == id {
			profile.Phone = user.Phone
			profile.FirstName = user.FirstName
			profile.LastName = user.LastName
		}
	}
	return profile, nil
}

// randomID генерирует криптослучайный random_id для отправки сообщений.
func randomID() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate random id: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// entityFromUser переводит tg.User в плоскую сущность.
func entityFromUser(user *tg.User) Entity {
	return Entity{
		Descriptor: audience.PeerDescriptor{
			ID:         strconv.FormatInt(user.ID, 10),
			AccessHash: strconv.FormatInt(user.AccessHash, 10),
			Kind:       audience.PeerKindUser,
		},
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Bot:       user.Bot,
	}
}

// entityFromChat переводит tg.ChatClass в плоскую сущность. Забытые и
// недоступные чаты (Forbidden, Empty) отбрасываются.
func entityFromChat(chat tg.ChatClass) (Entity, bool) {
	switch c := chat.(type) {
	case *tg.Chat:
		return Entity{
			Descriptor: audience.PeerDescriptor{
				ID:   strconv.FormatInt(c.ID, 10),
				Kind: audience.PeerKindChat,
			},
			Title:        c.Title,
			MembersCount: c.ParticipantsCount,
		}, true
	case *tg.Channel:
		return Entity{
			Descriptor: audience.PeerDescriptor{
				ID:         strconv.FormatInt(c.ID, 10),
				AccessHash: strconv.FormatInt(c.AccessHash, 10),
				Kind:       audience.PeerKindChannel,
			},
			Title:        c.Title,
			Username:     c.Username,
			MembersCount: c.ParticipantsCount,
		}, true
	default:
		return Entity{}, false
	}
}

// peerIDString достаёт числовой id из tg.PeerClass как десятичную строку.
func peerIDString(peer tg.PeerClass) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return strconv.FormatInt(p.UserID, 10)
	case *tg.PeerChat:
		return strconv.FormatInt(p.ChatID, 10)
	case *tg.PeerChannel:
		return strconv.FormatInt(p.ChannelID, 10)
	default:
		return ""
	}
}
