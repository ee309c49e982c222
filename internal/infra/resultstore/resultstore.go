// Package resultstore — персист артефактов поиска аудитории и рассылок в bbolt.
// Документы хранятся как JSON по ключу id в трёх бакетах: результаты поиска,
// история рассылок и сессии парсинга. Хранилище append-only: записанный
// документ не перезаписывается, новая версия получает новый id. Чтение
// терпимо к legacy-документам: отсутствующие optional-поля нормализуются.
package resultstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"tg-audience/internal/domain/audience"
	"tg-audience/internal/infra/logger"
	"tg-audience/internal/infra/storage"
)

// Имена бакетов. Менять нельзя: это раскладка существующих баз.
var (
	bucketDiscovery  = []byte("discovery_results")
	bucketBroadcasts = []byte("broadcast_history")
	bucketSessions   = []byte("parsing_sessions")
)

// Ошибки хранилища.
var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

// Store — обёртка над одной bbolt-базой со всеми бакетами приложения.
type Store struct {
	db *bolt.DB
}

// Open открывает (и при необходимости создаёт) базу и бакеты.
// Таймаут защищает от зависания на файле, залоченном другим процессом.
func Open(path string) (*Store, error) {
	clean := filepath.Clean(path)
	if err := storage.EnsureDir(filepath.Dir(clean)); err != nil {
		return nil, fmt.Errorf("prepare results dir: %w", err)
	}

	db, err := bolt.Open(clean, storage.DefaultFilePerm, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open results db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDiscovery, bucketBroadcasts, bucketSessions} {
			if _, errB := tx.CreateBucketIfNotExists(name); errB != nil {
				return fmt.Errorf("create bucket %s: %w", name, errB)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debugf("ResultStore: opened %s", clean)
	return &Store{db: db}, nil
}

// Close закрывает базу. Повторный вызов безопасен для bbolt.
func (s *Store) Close() error {
	return s.db.Close()
}

// put сериализует документ и записывает его, отклоняя перезапись ключа.
func (s *Store) put(bucket []byte, id string, doc any) error {
	if id == "" {
		return errors.New("empty document id")
	}
	data, errJSON := json.Marshal(doc)
	if errJSON != nil {
		return fmt.Errorf("encode document: %w", errJSON)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, ErrExists)
		}
		return b.Put([]byte(id), data)
	})
}

// get читает и десериализует документ по id.
func (s *Store) get(bucket []byte, id string, doc any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, ErrNotFound)
		}
		if err := json.Unmarshal(raw, doc); err != nil {
			return fmt.Errorf("decode %s/%s: %w", bucket, id, err)
		}
		return nil
	})
}

// SaveDiscoveryResult записывает результат поиска аудитории.
func (s *Store) SaveDiscoveryResult(res audience.DiscoveryResult) error {
	if err := s.put(bucketDiscovery, res.ID, res); err != nil {
		return err
	}
	logger.Debugf("ResultStore: discovery result %s saved (%d members)", res.ID, res.Count)
	return nil
}

// DiscoveryResult возвращает результат поиска по id с нормализацией legacy-полей.
func (s *Store) DiscoveryResult(id string) (audience.DiscoveryResult, error) {
	var res audience.DiscoveryResult
	if err := s.get(bucketDiscovery, id, &res); err != nil {
		return audience.DiscoveryResult{}, err
	}
	res.Normalize()
	return res, nil
}

// ListDiscoveryResults возвращает результаты владельца, старые первыми.
// Пустой ownerID снимает фильтр.
func (s *Store) ListDiscoveryResults(ownerID string) ([]audience.DiscoveryResult, error) {
	out := make([]audience.DiscoveryResult, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDiscovery).ForEach(func(_, raw []byte) error {
			var res audience.DiscoveryResult
			if errJSON := json.Unmarshal(raw, &res); errJSON != nil {
				return fmt.Errorf("decode discovery result: %w", errJSON)
			}
			if ownerID != "" && res.OwnerID != ownerID {
				return nil
			}
			res.Normalize()
			out = append(out, res)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SaveBroadcastRecord записывает историю рассылки.
func (s *Store) SaveBroadcastRecord(rec audience.BroadcastHistoryRecord) error {
	if err := s.put(bucketBroadcasts, rec.ID, rec); err != nil {
		return err
	}
	logger.Debugf("ResultStore: broadcast record %s saved (%s)", rec.ID, rec.Outcome)
	return nil
}

// BroadcastRecord возвращает историю рассылки по id.
func (s *Store) BroadcastRecord(id string) (audience.BroadcastHistoryRecord, error) {
	var rec audience.BroadcastHistoryRecord
	if err := s.get(bucketBroadcasts, id, &rec); err != nil {
		return audience.BroadcastHistoryRecord{}, err
	}
	rec.Normalize()
	return rec, nil
}

// ListBroadcastRecords возвращает историю рассылок владельца, старые первыми.
func (s *Store) ListBroadcastRecords(ownerID string) ([]audience.BroadcastHistoryRecord, error) {
	out := make([]audience.BroadcastHistoryRecord, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBroadcasts).ForEach(func(_, raw []byte) error {
			var rec audience.BroadcastHistoryRecord
			if errJSON := json.Unmarshal(raw, &rec); errJSON != nil {
				return fmt.Errorf("decode broadcast record: %w", errJSON)
			}
			if ownerID != "" && rec.OwnerID != ownerID {
				return nil
			}
			rec.Normalize()
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SaveParsingSession записывает сессию парсинга.
func (s *Store) SaveParsingSession(sess audience.ParsingSession) error {
	return s.put(bucketSessions, sess.ID, sess)
}

// ParsingSession возвращает сессию по id.
func (s *Store) ParsingSession(id string) (audience.ParsingSession, error) {
	var sess audience.ParsingSession
	if err := s.get(bucketSessions, id, &sess); err != nil {
		return audience.ParsingSession{}, err
	}
	if sess.Targets == nil {
		sess.Targets = make([]audience.PeerDescriptor, 0)
	}
	return sess, nil
}

// ListParsingSessions возвращает сессии владельца, старые первыми.
func (s *Store) ListParsingSessions(ownerID string) ([]audience.ParsingSession, error) {
	out := make([]audience.ParsingSession, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, raw []byte) error {
			var sess audience.ParsingSession
			if errJSON := json.Unmarshal(raw, &sess); errJSON != nil {
				return fmt.Errorf("decode parsing session: %w", errJSON)
			}
			if ownerID != "" && sess.OwnerID != ownerID {
				return nil
			}
			if sess.Targets == nil {
				sess.Targets = make([]audience.PeerDescriptor, 0)
			}
			out = append(out, sess)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
