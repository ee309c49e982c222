package resolver_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gotd/td/tg"

	"tg-audience/internal/adapters/telegram/gateway"
	"tg-audience/internal/adapters/telegram/resolver"
	"tg-audience/internal/domain/audience"
)

// fakeLookup — управляемый источник сущностей для проверки порядка стратегий.
type fakeLookup struct {
	byUsername map[string]gateway.Entity
	users      map[int64]gateway.Entity
	channels   map[int64]gateway.Entity

	usernameCalls int
	userCalls     int
	channelCalls  int
}

func (f *fakeLookup) ResolveUsername(_ context.Context, username string) (gateway.Entity, error) {
	f.usernameCalls++
	if ent, ok := f.byUsername[username]; ok {
		return ent, nil
	}
	return gateway.Entity{}, errors.New("USERNAME_NOT_OCCUPIED")
}

func (f *fakeLookup) UserByID(_ context.Context, id, _ int64) (gateway.Entity, error) {
	f.userCalls++
	if ent, ok := f.users[id]; ok {
		return ent, nil
	}
	return gateway.Entity{}, errors.New("USER_ID_INVALID")
}

func (f *fakeLookup) ChannelByID(_ context.Context, id, _ int64) (gateway.Entity, error) {
	f.channelCalls++
	if ent, ok := f.channels[id]; ok {
		return ent, nil
	}
	return gateway.Entity{}, errors.New("CHANNEL_INVALID")
}

func userEntity(id, hash, username string) gateway.Entity {
	return gateway.Entity{
		Descriptor: audience.PeerDescriptor{ID: id, AccessHash: hash, Kind: audience.PeerKindUser},
		Username:   username,
	}
}

func TestDescriptorWithHashSkipsNetwork(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{}
	r := resolver.New(lookup)

	got, err := r.Resolve(context.Background(), resolver.Target{
		Desc: &audience.PeerDescriptor{ID: "42", AccessHash: "777", Kind: audience.PeerKindUser},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	peer, ok := got.Peer.(*tg.InputPeerUser)
	if !ok {
		t.Fatalf("Peer = %T, want *tg.InputPeerUser", got.Peer)
	}
	if peer.UserID != 42 || peer.AccessHash != 777 {
		t.Fatalf("Peer = %+v", peer)
	}
	if lookup.usernameCalls+lookup.userCalls+lookup.channelCalls != 0 {
		t.Fatal("descriptor with hash must not hit the network")
	}
}

func TestChatNeedsNoHash(t *testing.T) {
	t.Parallel()

	r := resolver.New(&fakeLookup{})

	got, err := r.Resolve(context.Background(), resolver.Target{
		Desc: &audience.PeerDescriptor{ID: "99", Kind: audience.PeerKindChat},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	peer, ok := got.Peer.(*tg.InputPeerChat)
	if !ok || peer.ChatID != 99 {
		t.Fatalf("Peer = %#v", got.Peer)
	}
}

func TestUsernameFallback(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{
		byUsername: map[string]gateway.Entity{"alice": userEntity("42", "777", "alice")},
	}
	r := resolver.New(lookup)

	// Дескриптор без хэша: прямая стратегия неприменима, уходим в username.
	got, err := r.Resolve(context.Background(), resolver.Target{
		Desc:     &audience.PeerDescriptor{ID: "42", Kind: audience.PeerKindUser},
		Username: "alice",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if lookup.usernameCalls != 1 {
		t.Fatalf("usernameCalls = %d, want 1", lookup.usernameCalls)
	}
	if got.Descriptor.AccessHash != "777" {
		t.Fatalf("Descriptor.AccessHash = %q, want refreshed hash", got.Descriptor.AccessHash)
	}
}

func TestIDLookupAfterUsernameFails(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{
		users: map[int64]gateway.Entity{42: userEntity("42", "777", "")},
	}
	r := resolver.New(lookup)

	got, err := r.Resolve(context.Background(), resolver.Target{
		Desc:     &audience.PeerDescriptor{ID: "42", Kind: audience.PeerKindUser},
		Username: "gone",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if lookup.usernameCalls != 1 || lookup.userCalls != 1 {
		t.Fatalf("calls = username:%d user:%d, want 1/1", lookup.usernameCalls, lookup.userCalls)
	}
	if _, ok := got.Peer.(*tg.InputPeerUser); !ok {
		t.Fatalf("Peer = %T", got.Peer)
	}
}

func TestBareIDTriesChannelThenUser(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{
		users: map[int64]gateway.Entity{42: userEntity("42", "777", "")},
	}
	r := resolver.New(lookup)

	_, err := r.Resolve(context.Background(), resolver.Target{ID: "42"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if lookup.channelCalls != 1 || lookup.userCalls != 1 {
		t.Fatalf("calls = channel:%d user:%d, want 1/1", lookup.channelCalls, lookup.userCalls)
	}
}

func TestErrorNamesTarget(t *testing.T) {
	t.Parallel()

	r := resolver.New(&fakeLookup{})

	_, err := r.Resolve(context.Background(), resolver.Target{Username: "ghost"})
	if err == nil {
		t.Fatal("Resolve succeeded, want error")
	}
	if !strings.Contains(err.Error(), "@ghost") {
		t.Fatalf("error %q does not name the target", err)
	}
}

func TestEmptyTarget(t *testing.T) {
	t.Parallel()

	r := resolver.New(&fakeLookup{})

	if _, err := r.Resolve(context.Background(), resolver.Target{}); err == nil {
		t.Fatal("Resolve on empty target succeeded, want error")
	}
}
