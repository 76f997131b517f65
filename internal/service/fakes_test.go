package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/docforge/lifecycle-module/internal/repository"
	"github.com/bigkaa/docforge/lifecycle-module/internal/storage"
)

// testLogger — логгер, пропускающий только ошибки.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fixedClock — управляемые часы для тестов.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- Реестр артефактов в памяти ---

type memRecordRepo struct {
	mu      sync.Mutex
	records map[string]*model.ResourceRecord

	// listErr — ошибка ListExpired
	listErr error
	// markDeletedFn — перехват MarkDeleted (nil — обычное поведение)
	markDeletedFn func(artifactID string) error
}

func newMemRecordRepo() *memRecordRepo {
	return &memRecordRepo{records: make(map[string]*model.ResourceRecord)}
}

func (m *memRecordRepo) Insert(_ context.Context, rec *model.ResourceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ArtifactID]; ok {
		return repository.ErrConflict
	}
	cp := *rec
	m.records[rec.ArtifactID] = &cp
	return nil
}

func (m *memRecordRepo) GetByID(_ context.Context, id string) (*model.ResourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRecordRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.ResourceRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.ResourceRecord
	for _, rec := range m.records {
		if !rec.Deleted && rec.IsExpired(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ArtifactID < out[j].ArtifactID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRecordRepo) MarkDeleted(_ context.Context, id string, at time.Time) (bool, error) {
	if m.markDeletedFn != nil {
		if err := m.markDeletedFn(id); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if rec.Deleted {
		return false, nil
	}
	rec.Deleted = true
	rec.DeletedAt = &at
	return true, nil
}

func (m *memRecordRepo) ListByOwner(_ context.Context, owner model.Owner, includeDeleted bool, limit, offset int) ([]*model.ResourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.ResourceRecord
	for _, rec := range m.records {
		if rec.Owner() != owner || (rec.Deleted && !includeDeleted) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*model.ResourceRecord{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRecordRepo) Statistics(_ context.Context, now time.Time) (*model.LedgerStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &model.LedgerStatistics{
		FilesByActorClass: map[string]int{},
		FilesByFeature:    map[string]int{},
	}
	for _, rec := range m.records {
		st.TotalFiles++
		if rec.Deleted {
			st.DeletedFiles++
			continue
		}
		if rec.IsExpired(now) {
			st.ExpiredFiles++
		}
		st.FilesByActorClass[string(rec.ActorClass)]++
		st.FilesByFeature[rec.Feature]++
	}
	return st, nil
}

// put добавляет запись напрямую, минуя ledger.
func (m *memRecordRepo) put(rec *model.ResourceRecord) {
	m.mu.Lock()
	m.records[rec.ArtifactID] = rec
	m.mu.Unlock()
}

func (m *memRecordRepo) deleted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return ok && rec.Deleted
}

// --- Гостевые сессии в памяти ---

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.GuestSession

	getErr       error
	incrementErr error
	creates      int
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.GuestSession)}
}

func (m *memSessionRepo) Create(_ context.Context, s *model.GuestSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return repository.ErrConflict
	}
	cp := *s
	m.sessions[s.ID] = &cp
	m.creates++
	return nil
}

func (m *memSessionRepo) GetByID(_ context.Context, id string) (*model.GuestSession, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionRepo) DeleteExpiredByID(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.IsExpired(now) {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

func (m *memSessionRepo) FindActiveByIP(_ context.Context, ip string, now time.Time) (*model.GuestSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.GuestSession
	for _, s := range m.sessions {
		if s.IPAddress != ip || s.IsExpired(now) {
			continue
		}
		if best == nil || s.LastActivityAt.After(best.LastActivityAt) {
			best = s
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memSessionRepo) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.IsExpired(at) {
		return repository.ErrNotFound
	}
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	return nil
}

func (m *memSessionRepo) IncrementCounter(_ context.Context, id string, f model.Feature, at time.Time) (*model.GuestSession, error) {
	if m.incrementErr != nil {
		return nil, m.incrementErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.IsExpired(at) {
		return nil, repository.ErrNotFound
	}
	switch f {
	case model.FeatureMerge:
		s.MergeCount++
	case model.FeatureRedaction:
		s.RedactionCount++
	case model.FeatureConversion:
		s.ConversionCount++
	case model.FeatureSplit:
		s.SplitCount++
	case model.FeatureCompression:
		s.CompressionCount++
	default:
		return nil, errors.New("неизвестная функция")
	}
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memSessionRepo) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

func (m *memSessionRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// --- Тарифы в памяти ---

type memActorRepo struct {
	mu     sync.Mutex
	actors map[string]model.ActorClass
	gets   int
}

func newMemActorRepo(actors map[string]model.ActorClass) *memActorRepo {
	if actors == nil {
		actors = map[string]model.ActorClass{}
	}
	return &memActorRepo{actors: actors}
}

func (m *memActorRepo) GetByID(_ context.Context, id string) (*model.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	tier, ok := m.actors[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &model.Actor{ID: id, Tier: tier}, nil
}

func (m *memActorRepo) Upsert(_ context.Context, a *model.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors[a.ID] = a.Tier
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Хранилище в памяти ---

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// deleteFn — перехват Delete (nil — обычное поведение)
	deleteFn func(ctx context.Context, artifactID string) error
	deletes  int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, folder model.Folder, r io.Reader, originalName, contentType string) (*storage.Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	id := storage.GenerateArtifactID(originalName)
	s.mu.Lock()
	s.objects[storage.Key(folder, id)] = data
	s.mu.Unlock()
	return &storage.Object{ArtifactID: id, Folder: folder, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *memStore) Get(_ context.Context, artifactID string, folder model.Folder) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[storage.Key(folder, artifactID)]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) Stat(_ context.Context, artifactID string, folder model.Folder) (*storage.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[storage.Key(folder, artifactID)]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &storage.Object{
		ArtifactID:  artifactID,
		Folder:      folder,
		Size:        int64(len(data)),
		ContentType: "application/pdf",
	}, nil
}

func (s *memStore) Delete(ctx context.Context, artifactID string, folder model.Folder) error {
	if s.deleteFn != nil {
		if err := s.deleteFn(ctx, artifactID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.objects, storage.Key(folder, artifactID))
	return nil
}

func (s *memStore) SignedURL(_ context.Context, artifactID string, folder model.Folder, ttl time.Duration) (string, error) {
	return "http://files.test/" + storage.Key(folder, artifactID) + "?ttl=" + ttl.String(), nil
}

func (s *memStore) putObject(folder model.Folder, id string, data []byte) {
	s.mu.Lock()
	s.objects[storage.Key(folder, id)] = data
	s.mu.Unlock()
}

func (s *memStore) has(folder model.Folder, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[storage.Key(folder, id)]
	return ok
}
