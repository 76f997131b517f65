package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/lease"
	"github.com/bigkaa/docforge/lifecycle-module/internal/domain/model"
)

// setupSweeper создаёт ledger с управляемыми часами и хранилище в памяти.
func setupSweeper(t *testing.T, batchSize int, itemTimeout time.Duration) (*Sweeper, *ResourceLedger, *memRecordRepo, *memStore, *fixedClock) {
	t.Helper()
	repo := newMemRecordRepo()
	ledger := NewResourceLedger(repo, NewActorDirectory(newMemActorRepo(nil), 10, time.Minute, testLogger()),
		lease.DefaultPolicy(), testLogger())
	clock := newClock()
	ledger.now = clock.Now

	store := newMemStore()
	sw := NewSweeper(ledger, store, time.Hour, batchSize, 0, itemTimeout, testLogger())
	return sw, ledger, repo, store, clock
}

// trackGuest регистрирует гостевой артефакт и кладёт объект в хранилище.
func trackGuest(t *testing.T, ledger *ResourceLedger, store *memStore, id string) {
	t.Helper()
	store.putObject(model.FolderTemp, id, []byte("%PDF"))
	if _, err := ledger.Track(context.Background(), TrackInput{
		ArtifactID: id,
		Folder:     model.FolderTemp,
		Owner:      model.Owner{GuestSessionID: "g1"},
		Size:       4,
		Feature:    string(model.FeatureMerge),
	}); err != nil {
		t.Fatalf("Track %s: %v", id, err)
	}
}

func TestSweeperRunOnce_NothingExpired(t *testing.T) {
	sw, ledger, _, store, _ := setupSweeper(t, 10, time.Second)
	trackGuest(t, ledger, store, "fresh.pdf")

	result, err := sw.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.DeletedCount != 0 || result.ErrorCount != 0 {
		t.Errorf("хотели 0/0, получили %d/%d", result.DeletedCount, result.ErrorCount)
	}
	if !store.has(model.FolderTemp, "fresh.pdf") {
		t.Error("живой объект не должен удаляться")
	}
}

func TestSweeperRunOnce_DeletesExpired(t *testing.T) {
	sw, ledger, repo, store, clock := setupSweeper(t, 2, time.Second)
	for i := range 5 {
		trackGuest(t, ledger, store, fmt.Sprintf("a%d.pdf", i))
	}
	clock.Advance(5 * time.Minute)

	result, err := sw.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Scanned != 5 || result.DeletedCount != 5 || result.ErrorCount != 0 {
		t.Errorf("scanned/deleted/errors: хотели 5/5/0, получили %d/%d/%d",
			result.Scanned, result.DeletedCount, result.ErrorCount)
	}
	for i := range 5 {
		id := fmt.Sprintf("a%d.pdf", i)
		if store.has(model.FolderTemp, id) {
			t.Errorf("объект %s должен быть удалён из хранилища", id)
		}
		if !repo.deleted(id) {
			t.Errorf("запись %s должна быть помечена удалённой", id)
		}
	}

	st := sw.Status()
	if st.State != SweepIdle {
		t.Errorf("State: хотели idle, получили %s", st.State)
	}
	if st.LastResult == nil || st.LastResult.DeletedCount != 5 {
		t.Error("LastResult должен содержать результат тика")
	}
}

// Сбой удаления одного объекта не прерывает тик; запись остаётся на следующий.
func TestSweeperRunOnce_ItemFailureIsolated(t *testing.T) {
	sw, ledger, repo, store, clock := setupSweeper(t, 10, time.Second)
	for i := range 5 {
		trackGuest(t, ledger, store, fmt.Sprintf("a%d.pdf", i))
	}
	store.deleteFn = func(_ context.Context, id string) error {
		if id == "a2.pdf" {
			return errors.New("хранилище недоступно")
		}
		return nil
	}
	clock.Advance(10 * time.Minute)

	result, err := sw.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.DeletedCount != 4 || result.ErrorCount != 1 {
		t.Fatalf("deleted/errors: хотели 4/1, получили %d/%d", result.DeletedCount, result.ErrorCount)
	}
	if len(result.Errors) != 1 || result.Errors[0].ArtifactID != "a2.pdf" {
		t.Errorf("ошибка должна относиться к a2.pdf: %+v", result.Errors)
	}
	if repo.deleted("a2.pdf") {
		t.Error("запись с ошибкой удаления не должна помечаться удалённой")
	}

	expired, err := ledger.ListExpired(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ArtifactID != "a2.pdf" {
		t.Errorf("в следующем тике ожидалась только a2.pdf, получили %d записей", len(expired))
	}

	// Хранилище восстановилось: следующий тик дочищает запись
	store.deleteFn = nil
	result, err = sw.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.DeletedCount != 1 || result.ErrorCount != 0 {
		t.Errorf("второй тик: хотели 1/0, получили %d/%d", result.DeletedCount, result.ErrorCount)
	}
}

// Сбой пометки в реестре после удаления объекта — ошибка артефакта;
// повторное удаление объекта в следующем тике идемпотентно.
func TestSweeperRunOnce_MarkDeletedFailure(t *testing.T) {
	sw, ledger, repo, store, clock := setupSweeper(t, 10, time.Second)
	trackGuest(t, ledger, store, "a.pdf")
	repo.markDeletedFn = func(string) error { return errors.New("база недоступна") }
	clock.Advance(5 * time.Minute)

	result, err := sw.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.ErrorCount != 1 {
		t.Fatalf("ErrorCount: хотели 1, получили %d", result.ErrorCount)
	}

	repo.markDeletedFn = nil
	result, _ = sw.RunOnce(context.Background())
	if result.DeletedCount != 1 {
		t.Errorf("повторный тик: хотели 1 удаление, получили %d", result.DeletedCount)
	}
	if !repo.deleted("a.pdf") {
		t.Error("запись должна быть помечена удалённой")
	}
}

func TestSweeperRunOnce_ItemTimeout(t *testing.T) {
	sw, ledger, repo, store, clock := setupSweeper(t, 10, 50*time.Millisecond)
	trackGuest(t, ledger, store, "slow.pdf")
	trackGuest(t, ledger, store, "fast.pdf")

	release := make(chan struct{})
	defer close(release)
	store.deleteFn = func(_ context.Context, id string) error {
		if id == "slow.pdf" {
			<-release
		}
		return nil
	}
	clock.Advance(5 * time.Minute)

	result, err := sw.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.DeletedCount != 1 || result.ErrorCount != 1 {
		t.Fatalf("deleted/errors: хотели 1/1, получили %d/%d", result.DeletedCount, result.ErrorCount)
	}
	if result.Errors[0].ArtifactID != "slow.pdf" {
		t.Errorf("таймаут должен относиться к slow.pdf, получили %s", result.Errors[0].ArtifactID)
	}
	if repo.deleted("slow.pdf") {
		t.Error("зависший артефакт не должен помечаться удалённым")
	}
}

func TestSweeperRunOnce_SkipsWhileRunning(t *testing.T) {
	sw, ledger, _, store, clock := setupSweeper(t, 10, 5*time.Second)
	trackGuest(t, ledger, store, "a.pdf")

	started := make(chan struct{})
	release := make(chan struct{})
	store.deleteFn = func(context.Context, string) error {
		close(started)
		<-release
		return nil
	}
	clock.Advance(5 * time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := sw.RunOnce(context.Background())
		done <- err
	}()

	<-started
	if st := sw.Status(); st.State != SweepDeleting {
		t.Errorf("State во время удаления: хотели deleting, получили %s", st.State)
	}
	if _, err := sw.RunOnce(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("ожидалась ErrSweepInProgress, получили %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("первый тик: %v", err)
	}
}

func TestSweeperRunOnce_ListError(t *testing.T) {
	sw, _, repo, _, _ := setupSweeper(t, 10, time.Second)
	repo.listErr = errors.New("соединение потеряно")

	if _, err := sw.RunOnce(context.Background()); err == nil {
		t.Fatal("ожидалась ошибка чтения реестра")
	}
	if st := sw.Status(); st.State != SweepIdle {
		t.Errorf("после ошибки State: хотели idle, получили %s", st.State)
	}
}

func TestSweeperReclaim(t *testing.T) {
	sw, ledger, _, store, _ := setupSweeper(t, 10, time.Second)
	trackGuest(t, ledger, store, "live.pdf")
	ctx := context.Background()

	// Аренда ещё не истекла, но удаление принудительное
	rec, err := sw.Reclaim(ctx, "live.pdf")
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if !rec.Deleted {
		t.Error("запись должна быть помечена удалённой")
	}
	if store.has(model.FolderTemp, "live.pdf") {
		t.Error("объект должен быть удалён из хранилища")
	}

	deletes := store.deletes
	if _, err := sw.Reclaim(ctx, "live.pdf"); err != nil {
		t.Errorf("повторный Reclaim: %v", err)
	}
	if store.deletes != deletes {
		t.Error("повторный Reclaim не должен обращаться к хранилищу")
	}

	if _, err := sw.Reclaim(ctx, "missing.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получили %v", err)
	}
}

func TestSweeperStartStop(t *testing.T) {
	sw, ledger, repo, store, clock := setupSweeper(t, 10, time.Second)
	trackGuest(t, ledger, store, "a.pdf")
	clock.Advance(5 * time.Minute)

	sw.Start(context.Background())

	// Первый тик выполняется сразу при старте
	deadline := time.Now().Add(2 * time.Second)
	for !repo.deleted("a.pdf") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sw.Stop()

	if !repo.deleted("a.pdf") {
		t.Error("первый тик должен удалить просроченный артефакт")
	}
}

// Тик выбирает не больше maxPerTick записей; остаток дочищают следующие тики.
func TestSweeperRunOnce_MaxPerTick(t *testing.T) {
	repo := newMemRecordRepo()
	ledger := NewResourceLedger(repo, NewActorDirectory(newMemActorRepo(nil), 10, time.Minute, testLogger()),
		lease.DefaultPolicy(), testLogger())
	clock := newClock()
	ledger.now = clock.Now
	store := newMemStore()
	sw := NewSweeper(ledger, store, time.Hour, 2, 4, time.Second, testLogger())

	for i := range 7 {
		trackGuest(t, ledger, store, fmt.Sprintf("b%d.pdf", i))
		clock.Advance(time.Second)
	}
	clock.Advance(10 * time.Minute)

	wantDeleted := []int{4, 3, 0}
	for tick, want := range wantDeleted {
		result, err := sw.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("тик %d: %v", tick+1, err)
		}
		if result.Scanned != want || result.DeletedCount != want {
			t.Errorf("тик %d: scanned/deleted хотели %d/%d, получили %d/%d",
				tick+1, want, want, result.Scanned, result.DeletedCount)
		}
	}

	// Первым тиком удалены самые просроченные
	for i := range 7 {
		if !repo.deleted(fmt.Sprintf("b%d.pdf", i)) {
			t.Errorf("b%d.pdf должна быть удалена", i)
		}
	}
	if st := sw.Status(); st.MaxPerTick != 4 {
		t.Errorf("MaxPerTick: хотели 4, получили %d", st.MaxPerTick)
	}
}

func TestNewSweeper_DefaultMaxPerTick(t *testing.T) {
	sw := NewSweeper(nil, nil, time.Hour, 5, 0, 0, testLogger())
	if st := sw.Status(); st.MaxPerTick != 250 || st.BatchSize != 5 {
		t.Errorf("по умолчанию: batch=%d maxPerTick=%d", st.BatchSize, st.MaxPerTick)
	}
}

// Ошибка удаления артефакта пишется на уровне ERROR с идентификатором и папкой.
func TestSweeperRunOnce_ItemFailureLoggedAsError(t *testing.T) {
	sw, ledger, _, store, clock := setupSweeper(t, 10, time.Second)
	var buf bytes.Buffer
	sw.logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))

	trackGuest(t, ledger, store, "broken.pdf")
	store.deleteFn = func(context.Context, string) error { return errors.New("хранилище недоступно") }
	clock.Advance(10 * time.Minute)

	if _, err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("ожидалась одна запись лога уровня ERROR, получено %q", buf.String())
	}
	if entry["level"] != "ERROR" || entry["artifact_id"] != "broken.pdf" || entry["folder"] != "temp" {
		t.Errorf("запись лога: %v", entry)
	}
}
