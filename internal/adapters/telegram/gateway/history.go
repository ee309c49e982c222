package gateway

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
)

// HistoryPage читает страницу истории пира назад во времени. offsetID=0
// начинает с последнего сообщения; возвращённый nextOffset передаётся в
// следующий вызов. nextOffset=0 означает конец истории. Служебные
// сообщения (MessageService, MessageEmpty) пропускаются, но страница при
// этом не считается пустой.
func (g *Gateway) HistoryPage(ctx context.Context, peer tg.InputPeerClass, offsetID, limit int) ([]Message, int, error) {
	var resp tg.MessagesMessagesClass
	err := g.do(ctx, func() error {
		var errAPI error
		resp, errAPI = g.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			Limit:    limit,
		})
		return errAPI
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get history: %w", err)
	}

	raw, err := historyMessages(resp)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) == 0 {
		return nil, 0, nil
	}

	out := make([]Message, 0, len(raw))
	nextOffset := 0
	for _, mc := range raw {
		msg, ok := mc.(*tg.Message)
		if !ok {
			// Служебные сообщения двигают offset, но в счёт активности не идут.
			if id, okID := messageID(mc); okID {
				nextOffset = id
			}
			continue
		}
		nextOffset = msg.ID
		out = append(out, flattenMessage(msg))
	}
	return out, nextOffset, nil
}

// historyMessages нормализует варианты ответа истории к списку сообщений.
func historyMessages(resp tg.MessagesMessagesClass) ([]tg.MessageClass, error) {
	switch r := resp.(type) {
	case *tg.MessagesMessages:
		return r.Messages, nil
	case *tg.MessagesMessagesSlice:
		return r.Messages, nil
	case *tg.MessagesChannelMessages:
		return r.Messages, nil
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("get history: unexpected response %T", resp)
	}
}

// messageID достаёт id из любого варианта сообщения.
func messageID(mc tg.MessageClass) (int, bool) {
	switch m := mc.(type) {
	case *tg.Message:
		return m.ID, true
	case *tg.MessageService:
		return m.ID, true
	default:
		return 0, false
	}
}

// flattenMessage переводит tg.Message в плоскую форму для подсчёта активности.
func flattenMessage(msg *tg.Message) Message {
	out := Message{
		ID:   msg.ID,
		Date: int64(msg.Date),
	}
	if from, ok := msg.GetFromID(); ok {
		out.AuthorID = peerIDString(from)
	}
	if _, ok := msg.GetReplyTo(); ok {
		out.Reply = true
	}
	if fwd, ok := msg.GetFwdFrom(); ok {
		out.Forward = true
		if from, okFrom := fwd.GetFromID(); okFrom {
			out.ForwardFrom = peerIDString(from)
		}
	}
	if reactions, ok := msg.GetReactions(); ok {
		for _, r := range reactions.RecentReactions {
			if id := peerIDString(r.PeerID); id != "" {
				out.ReactorIDs = append(out.ReactorIDs, id)
			}
		}
	}
	return out
}

// ChannelParticipantsPage читает страницу участников канала или супергруппы.
// Возвращает сущности страницы и общий размер списка по данным сервера.
func (g *Gateway) ChannelParticipantsPage(ctx context.Context, id, accessHash int64, offset, limit int) ([]Entity, int, error) {
	var resp tg.ChannelsChannelParticipantsClass
	err := g.do(ctx, func() error {
		var errAPI error
		resp, errAPI = g.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
			Channel: &tg.InputChannel{ChannelID: id, AccessHash: accessHash},
			Filter:  &tg.ChannelParticipantsRecent{},
			Offset:  offset,
			Limit:   limit,
		})
		return errAPI
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get participants of %d: %w", id, err)
	}

	participants, ok := resp.(*tg.ChannelsChannelParticipants)
	if !ok {
		// NotModified приходит только при ненулевом hash; мы его не передаём.
		return nil, 0, fmt.Errorf("get participants of %d: unexpected response %T", id, resp)
	}

	out := make([]Entity, 0, len(participants.Users))
	for _, u := range participants.Users {
		if user, okUser := u.(*tg.User); okUser {
			out = append(out, entityFromUser(user))
		}
	}
	return out, participants.Count, nil
}

// ChatParticipants читает участников обычной (малой) группы. Пагинации у
// этого API нет: платформа отдаёт весь список разом.
func (g *Gateway) ChatParticipants(ctx context.Context, chatID int64) ([]Entity, error) {
	var full *tg.MessagesChatFull
	err := g.do(ctx, func() error {
		var errAPI error
		full, errAPI = g.api.MessagesGetFullChat(ctx, chatID)
		return errAPI
	})
	if err != nil {
		return nil, fmt.Errorf("get full chat %d: %w", chatID, err)
	}

	out := make([]Entity, 0, len(full.Users))
	for _, u := range full.Users {
		if user, ok := u.(*tg.User); ok {
			out = append(out, entityFromUser(user))
		}
	}
	return out, nil
}
