package broadcast_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/gotd/td/tg"

	"tg-audience/internal/adapters/telegram/resolver"
	"tg-audience/internal/domain/audience"
	"tg-audience/internal/domain/broadcast"
)

type fakeProgress struct{}

func (fakeProgress) Progress(int, int, int, string) {}

type fakeResolver struct{ failFor map[string]error }

func (f fakeResolver) Resolve(_ context.Context, t resolver.Target) (resolver.Resolved, error) {
	key := t.Username
	if key == "" && t.Desc != nil {
		key = t.Desc.ID
	}
	if key == "" {
		key = t.ID
	}
	if err := f.failFor[key]; err != nil {
		return resolver.Resolved{}, err
	}
	return resolver.Resolved{Peer: &tg.InputPeerUser{UserID: 1}}, nil
}

type sentMessage struct {
	text  string
	image []byte
}

type fakeSender struct {
	sent    []sentMessage
	failFor map[string]error
}

func (f *fakeSender) Send(_ context.Context, _ tg.InputPeerClass, text string, image []byte) error {
	if err := f.failFor[text]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{text: text, image: image})
	return nil
}

type fakeStore struct {
	results map[string]audience.DiscoveryResult
	saved   []audience.BroadcastHistoryRecord
}

func (f *fakeStore) SaveBroadcastRecord(rec audience.BroadcastHistoryRecord) error {
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeStore) DiscoveryResult(id string) (audience.DiscoveryResult, error) {
	res, ok := f.results[id]
	if !ok {
		return audience.DiscoveryResult{}, errors.New("document not found")
	}
	return res, nil
}

func TestPersonalization(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	store := &fakeStore{}
	w := broadcast.New(sender, fakeResolver{}, store, 0)

	req := broadcast.Request{
		OwnerID: "owner",
		Message: "Привет, {name}!",
		Recipients: []broadcast.Recipient{
			{ID: "1", FullName: "Иван Петров", FirstName: "Иван", Username: "ivan"},
			{ID: "2", FirstName: "Анна", Username: "anna"},
			{ID: "3", Username: "kira"},
			{ID: "4"},
			{Username: "nameless"},
		},
	}
	if _, err := w.Run(context.Background(), fakeProgress{}, req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"Привет, Иван Петров!",
		"Привет, Анна!",
		"Привет, kira!",
		"Привет, 4!",
		"Привет, nameless!",
	}
	if len(sender.sent) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(sender.sent), len(want))
	}
	for i, msg := range sender.sent {
		if msg.text != want[i] {
			t.Fatalf("sent[%d] = %q, want %q", i, msg.text, want[i])
		}
	}
}

func TestOutcomeClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		failFor  map[string]error
		resolver map[string]error
		want     audience.BroadcastOutcome
	}{
		{
			name: "completed",
			want: audience.BroadcastCompleted,
		},
		{
			name:     "partial",
			resolver: map[string]error{"a": errors.New("USERNAME_NOT_OCCUPIED")},
			want:     audience.BroadcastPartial,
		},
		{
			name: "failed",
			resolver: map[string]error{
				"a": errors.New("USERNAME_NOT_OCCUPIED"),
				"b": errors.New("USERNAME_NOT_OCCUPIED"),
			},
			want: audience.BroadcastFailed,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeStore{}
			w := broadcast.New(&fakeSender{failFor: tc.failFor}, fakeResolver{failFor: tc.resolver}, store, 0)

			rec, err := w.Run(context.Background(), fakeProgress{}, broadcast.Request{
				OwnerID: "owner",
				Message: "hi",
				Recipients: []broadcast.Recipient{
					{Username: "a"},
					{Username: "b"},
				},
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if rec.Outcome != tc.want {
				t.Fatalf("Outcome = %q, want %q", rec.Outcome, tc.want)
			}
			if rec.Summary.Total != 2 {
				t.Fatalf("Total = %d, want 2", rec.Summary.Total)
			}
			if len(store.saved) != 1 {
				t.Fatalf("record not persisted")
			}
		})
	}
}

func TestRecipientsFromResultDeduplicated(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	store := &fakeStore{
		results: map[string]audience.DiscoveryResult{
			"res-1": {
				ID: "res-1",
				Members: []audience.AudienceMember{
					{ID: "1", Username: "alice", Peer: &audience.PeerDescriptor{ID: "1", AccessHash: "7", Kind: audience.PeerKindUser}},
					{ID: "2", Username: "ben", Peer: &audience.PeerDescriptor{ID: "2", AccessHash: "7", Kind: audience.PeerKindUser}},
				},
			},
		},
	}
	w := broadcast.New(sender, fakeResolver{}, store, 0)

	rec, err := w.Run(context.Background(), fakeProgress{}, broadcast.Request{
		OwnerID:  "owner",
		ResultID: "res-1",
		Message:  "hi",
		Recipients: []broadcast.Recipient{
			{ID: "2", Username: "ben"}, // дубль участника результата
			{ID: "3", Username: "cara"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Summary.Total != 3 {
		t.Fatalf("Total = %d, want 3 (dedup)", rec.Summary.Total)
	}
}

func TestChannelModePostsToSourceChannels(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	store := &fakeStore{
		results: map[string]audience.DiscoveryResult{
			"res-1": {
				ID: "res-1",
				Members: []audience.AudienceMember{
					{ID: "1", Username: "alice", FullName: "Алиса", SourceChannel: "@gojobs"},
					{ID: "2", Username: "ben", SourceChannel: "@gojobs"},
					{ID: "3", Username: "cara", SourceChannel: "500"},
				},
			},
		},
	}
	w := broadcast.New(sender, fakeResolver{}, store, 0)

	rec, err := w.Run(context.Background(), fakeProgress{}, broadcast.Request{
		OwnerID:    "owner",
		Mode:       audience.BroadcastModeChannel,
		ResultID:   "res-1",
		Message:    "Привет, {name}!",
		Recipients: []broadcast.Recipient{{Username: "extra"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Два источника аудитории плюс явная цель; дубль @gojobs схлопывается.
	if rec.Summary.Total != 3 {
		t.Fatalf("Total = %d, want 3", rec.Summary.Total)
	}
	if rec.Mode != audience.BroadcastModeChannel {
		t.Fatalf("Mode = %q, want %q", rec.Mode, audience.BroadcastModeChannel)
	}
	// В каналы текст уходит без персонализации.
	for i, msg := range sender.sent {
		if msg.text != "Привет, {name}!" {
			t.Fatalf("sent[%d] = %q, want raw placeholder", i, msg.text)
		}
	}
	wantRefs := []audience.RecipientRef{
		{Username: "gojobs"},
		{ID: "500"},
		{Username: "extra"},
	}
	for i, entry := range rec.Log {
		if entry.Recipient != wantRefs[i] {
			t.Fatalf("Log[%d].Recipient = %+v, want %+v", i, entry.Recipient, wantRefs[i])
		}
	}
}

func TestUnknownModeRejected(t *testing.T) {
	t.Parallel()

	w := broadcast.New(&fakeSender{}, fakeResolver{}, &fakeStore{}, 0)

	_, err := w.Run(context.Background(), fakeProgress{}, broadcast.Request{
		OwnerID:    "owner",
		Mode:       "megaphone",
		Message:    "hi",
		Recipients: []broadcast.Recipient{{Username: "a"}},
	})
	if err == nil {
		t.Fatal("Run with unknown mode succeeded, want error")
	}
}

func TestImageDecodedAndRecorded(t *testing.T) {
	t.Parallel()

	img := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	sender := &fakeSender{}
	store := &fakeStore{}
	w := broadcast.New(sender, fakeResolver{}, store, 0)

	rec, err := w.Run(context.Background(), fakeProgress{}, broadcast.Request{
		OwnerID:      "owner",
		Message:      "pic",
		ImageBase64:  base64.StdEncoding.EncodeToString(img),
		DelaySeconds: 5,
		Recipients:   []broadcast.Recipient{{Username: "a"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sender.sent) != 1 || !bytes.Equal(sender.sent[0].image, img) {
		t.Fatalf("sent = %+v, want decoded image bytes", sender.sent)
	}
	if !rec.HasImage {
		t.Fatal("HasImage = false, want true")
	}
	if rec.DelaySeconds != 5 {
		t.Fatalf("DelaySeconds = %d, want 5", rec.DelaySeconds)
	}
}

func TestMalformedImageRejected(t *testing.T) {
	t.Parallel()

	w := broadcast.New(&fakeSender{}, fakeResolver{}, &fakeStore{}, 0)

	_, err := w.Run(context.Background(), fakeProgress{}, broadcast.Request{
		OwnerID:     "owner",
		Message:     "pic",
		ImageBase64: "%%%not-base64%%%",
		Recipients:  []broadcast.Recipient{{Username: "a"}},
	})
	if err == nil {
		t.Fatal("Run with malformed image succeeded, want error")
	}
}

func TestMaxRecipients(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	w := broadcast.New(sender, fakeResolver{}, &fakeStore{}, 0)

	rec, err := w.Run(context.Background(), fakeProgress{}, broadcast.Request{
		OwnerID:       "owner",
		Message:       "hi",
		MaxRecipients: 2,
		Recipients: []broadcast.Recipient{
			{Username: "a"}, {Username: "b"}, {Username: "c"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Summary.Total != 2 || len(sender.sent) != 2 {
		t.Fatalf("Total = %d, sent = %d, want 2/2", rec.Summary.Total, len(sender.sent))
	}
}

func TestFailedDeliveryLogged(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{failFor: map[string]error{"hi": errors.New("PEER_FLOOD")}}
	w := broadcast.New(sender, fakeResolver{}, &fakeStore{}, 0)

	rec, err := w.Run(context.Background(), fakeProgress{}, broadcast.Request{
		OwnerID:    "owner",
		Message:    "hi",
		Recipients: []broadcast.Recipient{{ID: "7", Username: "a", FullName: "Анна А"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Mode != audience.BroadcastModeDM {
		t.Fatalf("Mode = %q, want default dm", rec.Mode)
	}
	if len(rec.Log) != 1 {
		t.Fatalf("len(Log) = %d, want 1", len(rec.Log))
	}
	entry := rec.Log[0]
	if entry.Status != audience.DeliveryFailed || entry.Error == "" {
		t.Fatalf("entry = %+v, want failed with error", entry)
	}
	want := audience.RecipientRef{ID: "7", Username: "a", Name: "Анна А"}
	if entry.Recipient != want {
		t.Fatalf("Recipient = %+v, want %+v", entry.Recipient, want)
	}
	if entry.DurationMs < 0 {
		t.Fatalf("DurationMs = %d, want >= 0", entry.DurationMs)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	t.Parallel()

	w := broadcast.New(&fakeSender{}, fakeResolver{}, &fakeStore{}, 0)

	_, err := w.Run(context.Background(), fakeProgress{}, broadcast.Request{
		OwnerID:    "owner",
		Recipients: []broadcast.Recipient{{Username: "a"}},
	})
	if err == nil {
		t.Fatal("Run with empty message succeeded, want error")
	}
}

func TestCancelPersistsPartialRecord(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{}
	store := &fakeStore{}
	w := broadcast.New(&cancelingSender{inner: sender, cancel: cancel}, fakeResolver{}, store, 0)

	rec, err := w.Run(ctx, fakeProgress{}, broadcast.Request{
		OwnerID:    "owner",
		Message:    "hi",
		Recipients: []broadcast.Recipient{{Username: "a"}, {Username: "b"}, {Username: "c"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if rec == nil || len(rec.Log) != 1 {
		t.Fatalf("partial record = %+v, want 1 log entry", rec)
	}
	if len(store.saved) != 1 {
		t.Fatal("partial record not persisted")
	}
}

// cancelingSender отменяет контекст после первой успешной отправки.
type cancelingSender struct {
	inner  *fakeSender
	cancel context.CancelFunc
}

func (c *cancelingSender) Send(ctx context.Context, peer tg.InputPeerClass, text string, image []byte) error {
	err := c.inner.Send(ctx, peer, text, image)
	c.cancel()
	return err
}
