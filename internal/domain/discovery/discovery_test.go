package discovery_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"tg-audience/internal/adapters/telegram/gateway"
	"tg-audience/internal/adapters/telegram/resolver"
	"tg-audience/internal/domain/audience"
	"tg-audience/internal/domain/discovery"
)

type fakeProgress struct{ last int }

func (f *fakeProgress) Progress(p, _, _ int, _ string) {
	if p < f.last {
		panic("progress went backwards")
	}
	f.last = p
}

// fakeResolver строит адресуемую ссылку напрямую из дескриптора запроса.
type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, t resolver.Target) (resolver.Resolved, error) {
	if t.Desc == nil {
		return resolver.Resolved{}, errors.New("no descriptor")
	}
	id, err := t.Desc.NumericID()
	if err != nil {
		return resolver.Resolved{}, err
	}
	return resolver.Resolved{
		Peer:       &tg.InputPeerChannel{ChannelID: id},
		Descriptor: *t.Desc,
	}, nil
}

type fakeGateway struct {
	history      map[int64][]gateway.Message
	participants map[int64][]gateway.Entity
	partErr      map[int64]error
	profiles     map[int64]gateway.Profile
	users        map[int64]gateway.Entity

	// pageSize ограничивает страницу участников; 0 отдаёт весь список разом.
	pageSize     int
	partCalls    map[int64]int
	historyCalls map[int64]int
}

func peerID(peer tg.InputPeerClass) int64 {
	switch p := peer.(type) {
	case *tg.InputPeerChannel:
		return p.ChannelID
	case *tg.InputPeerChat:
		return p.ChatID
	case *tg.InputPeerUser:
		return p.UserID
	default:
		return 0
	}
}

func (f *fakeGateway) HistoryPage(_ context.Context, peer tg.InputPeerClass, offsetID, _ int) ([]gateway.Message, int, error) {
	if f.historyCalls == nil {
		f.historyCalls = make(map[int64]int)
	}
	f.historyCalls[peerID(peer)]++
	if offsetID != 0 {
		return nil, 0, nil
	}
	return f.history[peerID(peer)], 0, nil
}

func (f *fakeGateway) ChannelParticipantsPage(_ context.Context, id, _ int64, offset, _ int) ([]gateway.Entity, int, error) {
	if f.partCalls == nil {
		f.partCalls = make(map[int64]int)
	}
	f.partCalls[id]++
	if err := f.partErr[id]; err != nil {
		return nil, 0, err
	}
	all := f.participants[id]
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := len(all)
	if f.pageSize > 0 && offset+f.pageSize < end {
		end = offset + f.pageSize
	}
	return all[offset:end], len(all), nil
}

func (f *fakeGateway) ChatParticipants(_ context.Context, id int64) ([]gateway.Entity, error) {
	if err := f.partErr[id]; err != nil {
		return nil, err
	}
	return f.participants[id], nil
}

func (f *fakeGateway) UserByID(_ context.Context, id, _ int64) (gateway.Entity, error) {
	ent, ok := f.users[id]
	if !ok {
		return gateway.Entity{}, errors.New("USER_ID_INVALID")
	}
	return ent, nil
}

func (f *fakeGateway) FullProfile(_ context.Context, id, _ int64) (gateway.Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return gateway.Profile{}, errors.New("USER_ID_INVALID")
	}
	return p, nil
}

type fakeStore struct {
	saved    []audience.DiscoveryResult
	sessions map[string]audience.ParsingSession
}

func (f *fakeStore) SaveDiscoveryResult(res audience.DiscoveryResult) error {
	f.saved = append(f.saved, res)
	return nil
}

func (f *fakeStore) ListDiscoveryResults(ownerID string) ([]audience.DiscoveryResult, error) {
	out := make([]audience.DiscoveryResult, 0)
	for _, res := range f.saved {
		if res.OwnerID == ownerID {
			out = append(out, res)
		}
	}
	return out, nil
}

func (f *fakeStore) ParsingSession(id string) (audience.ParsingSession, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return audience.ParsingSession{}, errors.New("document not found")
	}
	return sess, nil
}

func user(id, username string) gateway.Entity {
	return gateway.Entity{
		Descriptor: audience.PeerDescriptor{ID: id, AccessHash: "1", Kind: audience.PeerKindUser},
		Username:   username,
	}
}

func groupRef(id string) discovery.GroupRef {
	return discovery.GroupRef{Peer: &audience.PeerDescriptor{ID: id, AccessHash: "5", Kind: audience.PeerKindChannel}}
}

func memberIDs(members []audience.AudienceMember) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestRunFullPipeline(t *testing.T) {
	t.Parallel()

	recent := time.Now().Add(-time.Hour).Unix()
	stale := time.Now().AddDate(0, 0, -60).Unix()

	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {
				{ID: 5, AuthorID: "1", Date: recent},
				{ID: 4, AuthorID: "1", Date: recent},
				{ID: 3, AuthorID: "1", Date: recent, ReactorIDs: []string{"3"}},
				{ID: 2, AuthorID: "2", Date: recent, Reply: true},
				// Сообщение за границей окна: его автор активным не считается.
				{ID: 1, AuthorID: "4", Date: stale},
			},
			20: {
				{ID: 2, AuthorID: "2", Date: recent},
				{ID: 1, AuthorID: "6", Date: recent},
			},
		},
		participants: map[int64][]gateway.Entity{
			10: {user("1", "alice"), user("2", "ben"), user("3", "cara"), user("4", "dave"), {
				Descriptor: audience.PeerDescriptor{ID: "5", AccessHash: "1", Kind: audience.PeerKindUser},
				Username:   "spam_bot",
				Bot:        true,
			}},
			20: {user("2", "ben"), user("6", "fred")},
		},
		profiles: map[int64]gateway.Profile{
			1: {Phone: "+100", Bio: "golang dev"},
		},
	}
	store := &fakeStore{}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	req := discovery.Request{
		OwnerID:     "owner",
		Groups:      []discovery.GroupRef{groupRef("10"), groupRef("20")},
		LastDays:    30,
		MinActivity: 1,
	}
	res, err := w.Run(context.Background(), &fakeProgress{}, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Группа 10: активны 1 (сообщения), 2 (ответ), 3 (реакция); 4 вне окна.
	// Группа 20: активны 2 и 6; дубль 2 отбрасывается, источник остаётся первым.
	wantIDs := []string{"1", "2", "3", "6"}
	if got := memberIDs(res.Members); !equalStrings(got, wantIDs) {
		t.Fatalf("member ids = %v, want %v", got, wantIDs)
	}
	for _, m := range res.Members {
		if m.ID == "2" && m.SourceChannel != "10" {
			t.Fatalf("member 2 source = %q, want first group", m.SourceChannel)
		}
		if m.ID == "1" && (m.Phone != "+100" || m.Bio != "golang dev") {
			t.Fatalf("member 1 not enriched: %+v", m)
		}
	}
	if res.Count != len(res.Members) {
		t.Fatalf("Count = %d, members = %d", res.Count, len(res.Members))
	}
	if res.Version != 1 {
		t.Fatalf("Version = %d, want 1", res.Version)
	}
	if len(store.saved) != 1 || store.saved[0].ID != res.ID {
		t.Fatalf("result not persisted: %+v", store.saved)
	}

	// Повторный прогон того же владельца получает следующую версию.
	res2, err := w.Run(context.Background(), &fakeProgress{}, req)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res2.Version != 2 {
		t.Fatalf("second Version = %d, want 2", res2.Version)
	}
}

func TestRunDropsBotsAndClosedProfiles(t *testing.T) {
	t.Parallel()

	recent := time.Now().Add(-time.Hour).Unix()
	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {
				{ID: 3, AuthorID: "1", Date: recent},
				{ID: 2, AuthorID: "2", Date: recent},
				{ID: 1, AuthorID: "3", Date: recent},
			},
		},
		participants: map[int64][]gateway.Entity{
			10: {
				user("1", "alice"),
				{
					Descriptor: audience.PeerDescriptor{ID: "2", AccessHash: "1", Kind: audience.PeerKindUser},
					Username:   "spam_bot",
					Bot:        true,
				},
				// Закрытый профиль: активен, но без username.
				{Descriptor: audience.PeerDescriptor{ID: "3", AccessHash: "1", Kind: audience.PeerKindUser}},
			},
		},
	}
	store := &fakeStore{}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	res, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{
		OwnerID:     "owner",
		Groups:      []discovery.GroupRef{groupRef("10")},
		MinActivity: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := memberIDs(res.Members); !equalStrings(got, []string{"1"}) {
		t.Fatalf("member ids = %v, want [1]", got)
	}
}

func TestRunCreditsRepostToOrigin(t *testing.T) {
	t.Parallel()

	recent := time.Now().Add(-time.Hour).Unix()
	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {
				// Пересылка: активность уходит исходному автору 2, а не
				// пересылающему 1.
				{ID: 1, AuthorID: "1", Date: recent, Forward: true, ForwardFrom: "2"},
			},
		},
		participants: map[int64][]gateway.Entity{
			10: {user("1", "alice"), user("2", "ben")},
		},
	}
	store := &fakeStore{}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	res, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{
		OwnerID:     "owner",
		Groups:      []discovery.GroupRef{groupRef("10")},
		MinActivity: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := memberIDs(res.Members); !equalStrings(got, []string{"2"}) {
		t.Fatalf("member ids = %v, want [2]", got)
	}
}

func TestRunRepliesNotCountedAsMessages(t *testing.T) {
	t.Parallel()

	boolPtr := func(v bool) *bool { return &v }
	recent := time.Now().Add(-time.Hour).Unix()
	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {
				{ID: 2, AuthorID: "1", Date: recent, Reply: true},
				{ID: 1, AuthorID: "2", Date: recent},
			},
		},
		participants: map[int64][]gateway.Entity{
			10: {user("1", "alice"), user("2", "ben")},
		},
	}
	store := &fakeStore{}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	// Считаются только обычные посты: ответ автора 1 в частоту не идёт.
	res, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{
		OwnerID:     "owner",
		Groups:      []discovery.GroupRef{groupRef("10")},
		MinActivity: 1,
		Criteria: audience.CriteriaSpec{
			Likes:    boolPtr(false),
			Comments: boolPtr(false),
			Reposts:  boolPtr(false),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := memberIDs(res.Members); !equalStrings(got, []string{"2"}) {
		t.Fatalf("member ids = %v, want [2]", got)
	}
}

func TestRunParticipantsLimitBeforeEnrichment(t *testing.T) {
	t.Parallel()

	recent := time.Now().Add(-time.Hour).Unix()
	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {
				{ID: 3, AuthorID: "1", Date: recent},
				{ID: 2, AuthorID: "2", Date: recent},
				{ID: 1, AuthorID: "3", Date: recent},
			},
		},
		participants: map[int64][]gateway.Entity{
			10: {user("1", "a"), user("2", "b"), user("3", "c")},
		},
	}
	store := &fakeStore{}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	res, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{
		OwnerID:     "owner",
		Groups:      []discovery.GroupRef{groupRef("10")},
		MinActivity: 1,
		Filters:     audience.FilterOptions{ParticipantsLimit: 2},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Members) != 2 {
		t.Fatalf("len(Members) = %d, want 2", len(res.Members))
	}
}

func TestRunStopsScanningGroupsAtLimit(t *testing.T) {
	t.Parallel()

	recent := time.Now().Add(-time.Hour).Unix()
	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {{ID: 1, AuthorID: "1", Date: recent}},
			20: {{ID: 1, AuthorID: "2", Date: recent}},
		},
		participants: map[int64][]gateway.Entity{
			10: {user("1", "alice")},
			20: {user("2", "ben")},
		},
	}
	store := &fakeStore{}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	res, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{
		OwnerID:     "owner",
		Groups:      []discovery.GroupRef{groupRef("10"), groupRef("20")},
		MinActivity: 1,
		Filters:     audience.FilterOptions{ParticipantsLimit: 1},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := memberIDs(res.Members); !equalStrings(got, []string{"1"}) {
		t.Fatalf("member ids = %v, want [1]", got)
	}
	// Лимит набран первой группой: история второй не запрашивается.
	if calls := gw.historyCalls[20]; calls != 0 {
		t.Fatalf("group 20 scanned %d time(s), want 0", calls)
	}
}

func TestParticipantsPagingStopsWhenActivesLocated(t *testing.T) {
	t.Parallel()

	recent := time.Now().Add(-time.Hour).Unix()
	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {
				{ID: 2, AuthorID: "1", Date: recent},
				{ID: 1, AuthorID: "2", Date: recent},
			},
		},
		participants: map[int64][]gateway.Entity{
			10: {
				user("1", "alice"), user("2", "ben"),
				user("3", "cara"), user("4", "dave"),
				user("5", "eve"), user("6", "fred"),
			},
		},
		pageSize: 2,
	}
	store := &fakeStore{}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	res, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{
		OwnerID:     "owner",
		Groups:      []discovery.GroupRef{groupRef("10")},
		MinActivity: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := memberIDs(res.Members); !equalStrings(got, []string{"1", "2"}) {
		t.Fatalf("member ids = %v, want [1 2]", got)
	}
	// Оба активных автора на первой странице: остальные не листаются.
	if calls := gw.partCalls[10]; calls != 1 {
		t.Fatalf("participants pages fetched = %d, want 1", calls)
	}
}

func TestRunFallsBackToHistoryAuthors(t *testing.T) {
	t.Parallel()

	recent := time.Now().Add(-time.Hour).Unix()
	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {
				{ID: 3, AuthorID: "1", Date: recent},
				{ID: 2, AuthorID: "2", Date: recent},
				{ID: 1, AuthorID: "3", Date: recent},
			},
		},
		partErr: map[int64]error{10: errors.New("CHAT_ADMIN_REQUIRED")},
		users: map[int64]gateway.Entity{
			1: user("1", "alice"),
			2: user("2", "ben"),
			// Автор 3 не резолвится: без username его отсеет финальный фильтр.
		},
	}
	store := &fakeStore{}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	res, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{
		OwnerID:     "owner",
		Groups:      []discovery.GroupRef{groupRef("10")},
		MinActivity: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := memberIDs(res.Members)
	sort.Strings(got)
	if !equalStrings(got, []string{"1", "2"}) {
		t.Fatalf("member ids = %v, want [1 2]", got)
	}
	for _, m := range res.Members {
		if m.Username == "" {
			t.Fatalf("member %s kept without username", m.ID)
		}
	}
}

func TestEnrichRefreshesNames(t *testing.T) {
	t.Parallel()

	recent := time.Now().Add(-time.Hour).Unix()
	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {{ID: 1, AuthorID: "1", Date: recent}},
		},
		participants: map[int64][]gateway.Entity{
			10: {{
				Descriptor: audience.PeerDescriptor{ID: "1", AccessHash: "1", Kind: audience.PeerKindUser},
				Username:   "alice",
				FirstName:  "Старое",
				LastName:   "Имя",
			}},
		},
		profiles: map[int64]gateway.Profile{
			1: {Bio: "golang", FirstName: "Алиса", LastName: "Новая"},
		},
	}
	store := &fakeStore{}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	res, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{
		OwnerID:     "owner",
		Groups:      []discovery.GroupRef{groupRef("10")},
		MinActivity: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Members) != 1 {
		t.Fatalf("len(Members) = %d, want 1", len(res.Members))
	}
	m := res.Members[0]
	if m.FirstName != "Алиса" || m.LastName != "Новая" || m.FullName != "Алиса Новая" {
		t.Fatalf("names not refreshed from profile: %+v", m)
	}
}

func TestRunExpandsParsingSession(t *testing.T) {
	t.Parallel()

	recent := time.Now().Add(-time.Hour).Unix()
	gw := &fakeGateway{
		history: map[int64][]gateway.Message{
			10: {{ID: 1, AuthorID: "1", Date: recent}},
		},
		participants: map[int64][]gateway.Entity{
			10: {user("1", "alice")},
		},
	}
	store := &fakeStore{
		sessions: map[string]audience.ParsingSession{
			"sess-1": {
				ID:      "sess-1",
				Targets: []audience.PeerDescriptor{{ID: "10", AccessHash: "5", Kind: audience.PeerKindChannel}},
			},
		},
	}
	w := discovery.New(gw, fakeResolver{}, store, 0)

	res, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{
		OwnerID:     "owner",
		SessionID:   "sess-1",
		MinActivity: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !equalStrings(memberIDs(res.Members), []string{"1"}) {
		t.Fatalf("member ids = %v, want [1]", memberIDs(res.Members))
	}
}

func TestRunNoGroups(t *testing.T) {
	t.Parallel()

	w := discovery.New(&fakeGateway{}, fakeResolver{}, &fakeStore{}, 0)

	if _, err := w.Run(context.Background(), &fakeProgress{}, discovery.Request{OwnerID: "owner"}); err == nil {
		t.Fatal("Run without groups succeeded, want error")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
