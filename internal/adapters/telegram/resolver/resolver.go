// Package resolver превращает сохранённые дескрипторы и пользовательский
// ввод в адресуемые ссылки MTProto. Стратегии пробуются по порядку от
// дешёвой к дорогой: прямой дескриптор с access hash, публичный username,
// runtime-запрос по id с хэшем, runtime-запрос по одному id. Неудача одной
// стратегии не ошибка: резолвер переходит к следующей, а итоговая ошибка
// перечисляет всё, что было испробовано.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"

	"tg-audience/internal/adapters/telegram/gateway"
	"tg-audience/internal/domain/audience"
	"tg-audience/internal/infra/logger"
)

// EntityLookup — часть шлюза, нужная резолверу для runtime-поиска.
type EntityLookup interface {
	ResolveUsername(ctx context.Context, username string) (gateway.Entity, error)
	UserByID(ctx context.Context, id, accessHash int64) (gateway.Entity, error)
	ChannelByID(ctx context.Context, id, accessHash int64) (gateway.Entity, error)
}

// Target — всё известное о цели резолва. Поля опциональны, но хотя бы
// одно должно быть заполнено.
type Target struct {
	Desc     *audience.PeerDescriptor
	Username string
	ID       string
}

// label — человекочитаемая метка цели для ошибок и логов.
func (t Target) label() string {
	switch {
	case t.Username != "":
		return "@" + t.Username
	case t.ID != "":
		return "id " + t.ID
	case t.Desc != nil:
		return fmt.Sprintf("%s %s", strings.ToLower(string(t.Desc.Kind)), t.Desc.ID)
	default:
		return "empty target"
	}
}

// Resolved — итог резолва: адресуемая ссылка и дескриптор для персиста.
type Resolved struct {
	Peer       tg.InputPeerClass
	Descriptor audience.PeerDescriptor
}

// Resolver применяет стратегии резолва поверх шлюза.
type Resolver struct {
	lookup EntityLookup
}

// New создаёт резолвер поверх источника сущностей.
func New(lookup EntityLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve пробует стратегии по порядку и возвращает первую удачу.
// Ошибка включает метку цели: в пакетном прогоне без неё не понять,
// какой из десятков пиров не отрезолвился.
func (r *Resolver) Resolve(ctx context.Context, t Target) (Resolved, error) {
	var attempts []error

	// 1. Дескриптор с сохранённым access hash адресуется без запросов.
	if t.Desc != nil && (t.Desc.HasAccessHash() || t.Desc.Kind == audience.PeerKindChat) {
		res, err := fromDescriptor(*t.Desc)
		if err == nil {
			return res, nil
		}
		attempts = append(attempts, err)
	}

	// 2. Публичный username.
	if t.Username != "" {
		ent, err := r.lookup.ResolveUsername(ctx, t.Username)
		if err == nil {
			return fromEntity(ent)
		}
		if ctx.Err() != nil {
			return Resolved{}, ctx.Err()
		}
		attempts = append(attempts, fmt.Errorf("username: %w", err))
	}

	// 3–4. Runtime-поиск по id: сначала с сохранённым хэшем, затем с нулевым.
	// Нулевой хэш принимается сервером для пиров, уже встречавшихся аккаунту.
	if id, kind, ok := t.numericID(); ok {
		hashes := []int64{0}
		if t.Desc != nil {
			if h, okHash := t.Desc.NumericAccessHash(); okHash {
				hashes = []int64{h, 0}
			}
		}
		for _, hash := range hashes {
			res, err := r.lookupByID(ctx, kind, id, hash)
			if err == nil {
				return res, nil
			}
			if ctx.Err() != nil {
				return Resolved{}, ctx.Err()
			}
			attempts = append(attempts, fmt.Errorf("id lookup (hash=%d): %w", hash, err))
		}
	}

	if len(attempts) == 0 {
		return Resolved{}, fmt.Errorf("resolve %s: nothing to resolve by", t.label())
	}
	logger.Debugf("Resolver: %s failed after %d attempt(s)", t.label(), len(attempts))
	return Resolved{}, fmt.Errorf("resolve %s: %w", t.label(), errors.Join(attempts...))
}

// numericID возвращает числовой id цели и предполагаемый вид пира.
// Без дескриптора вид неизвестен: пробуем оба порядка, начиная с канала —
// источники аудитории чаще каналы и супергруппы.
func (t Target) numericID() (int64, audience.PeerKind, bool) {
	raw := t.ID
	kind := audience.PeerKind("")
	if t.Desc != nil {
		if raw == "" {
			raw = t.Desc.ID
		}
		kind = t.Desc.Kind
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, "", false
	}
	return id, kind, true
}

// lookupByID выбирает RPC по виду пира. Неизвестный вид пробует канал,
// затем пользователя.
func (r *Resolver) lookupByID(ctx context.Context, kind audience.PeerKind, id, hash int64) (Resolved, error) {
	switch kind {
	case audience.PeerKindUser:
		ent, err := r.lookup.UserByID(ctx, id, hash)
		if err != nil {
			return Resolved{}, err
		}
		return fromEntity(ent)
	case audience.PeerKindChannel:
		ent, err := r.lookup.ChannelByID(ctx, id, hash)
		if err != nil {
			return Resolved{}, err
		}
		return fromEntity(ent)
	case audience.PeerKindChat:
		return fromDescriptor(audience.PeerDescriptor{ID: strconv.FormatInt(id, 10), Kind: audience.PeerKindChat})
	default:
		ent, errChannel := r.lookup.ChannelByID(ctx, id, hash)
		if errChannel == nil {
			return fromEntity(ent)
		}
		ent, errUser := r.lookup.UserByID(ctx, id, hash)
		if errUser == nil {
			return fromEntity(ent)
		}
		return Resolved{}, errors.Join(errChannel, errUser)
	}
}

// fromDescriptor строит адресуемую ссылку напрямую из дескриптора.
func fromDescriptor(desc audience.PeerDescriptor) (Resolved, error) {
	id, err := desc.NumericID()
	if err != nil {
		return Resolved{}, fmt.Errorf("malformed peer id %q: %w", desc.ID, err)
	}
	hash, _ := desc.NumericAccessHash()

	switch desc.Kind {
	case audience.PeerKindUser:
		return Resolved{Peer: &tg.InputPeerUser{UserID: id, AccessHash: hash}, Descriptor: desc}, nil
	case audience.PeerKindChat:
		// Малым группам access hash не нужен.
		return Resolved{Peer: &tg.InputPeerChat{ChatID: id}, Descriptor: desc}, nil
	case audience.PeerKindChannel:
		return Resolved{Peer: &tg.InputPeerChannel{ChannelID: id, AccessHash: hash}, Descriptor: desc}, nil
	default:
		return Resolved{}, fmt.Errorf("unknown peer kind %q", desc.Kind)
	}
}

// fromEntity строит адресуемую ссылку из свежей сущности платформы.
func fromEntity(ent gateway.Entity) (Resolved, error) {
	return fromDescriptor(ent.Descriptor)
}
