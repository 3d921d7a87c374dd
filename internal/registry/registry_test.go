package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hewenyu/prestalab-esb/internal/config"
	"github.com/hewenyu/prestalab-esb/pkg/model"
	"github.com/hewenyu/prestalab-esb/pkg/storage"
	"github.com/hewenyu/prestalab-esb/pkg/storage/memory"
	"github.com/hewenyu/prestalab-esb/pkg/storage/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore 在 fail 为 true 时让所有写操作失败
type flakyStore struct {
	*memory.MemoryStorage
	mu   sync.Mutex
	fail bool
}

var errStoreDown = errors.New("store down")

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyStore) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *flakyStore) UpsertService(ctx context.Context, rec model.ServiceRecord) error {
	if f.failing() {
		return errStoreDown
	}
	return f.MemoryStorage.UpsertService(ctx, rec)
}

func (f *flakyStore) DeleteService(ctx context.Context, name string) (bool, error) {
	if f.failing() {
		return false, errStoreDown
	}
	return f.MemoryStorage.DeleteService(ctx, name)
}

func (f *flakyStore) UpdateHeartbeat(ctx context.Context, name string, at time.Time) error {
	if f.failing() {
		return errStoreDown
	}
	return f.MemoryStorage.UpdateHeartbeat(ctx, name, at)
}

func (f *flakyStore) AppendLog(ctx context.Context, e model.MessageLogEntry, capacity int) error {
	if f.failing() {
		return errStoreDown
	}
	return f.MemoryStorage.AppendLog(ctx, e, capacity)
}

func (f *flakyStore) IncrementCounter(ctx context.Context, key string, delta int64) error {
	if f.failing() {
		return errStoreDown
	}
	return f.MemoryStorage.IncrementCounter(ctx, key, delta)
}

func newTestRegistry(store storage.Store, capacity int) *RegistryImpl {
	return NewRegistry(store, config.NewNopLogger(), Options{LogCapacity: capacity, StoreTimeout: time.Second})
}

func record(name string) model.ServiceRecord {
	return model.ServiceInfo{Name: name, Address: "http://" + name + ":8000"}.ToRecord()
}

func TestRegisterSetsActiveAndHeartbeat(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 10)
	ctx := context.Background()

	created, err := r.Register(ctx, record("regist"))
	require.NoError(t, err)
	assert.True(t, created)

	rec, ok := r.Get("regist")
	require.True(t, ok)
	assert.Equal(t, model.StatusActive, rec.Status)
	require.NotNil(t, rec.LastHeartbeat)
	assert.False(t, rec.RegisteredAt.IsZero())
	assert.Equal(t, int64(1), r.Counters()[model.CounterTotalRegistrations])
}

// 重复注册覆盖地址，保留首次注册时间，状态恢复 ACTIVE
func TestRegisterIsUpsert(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 10)
	ctx := context.Background()

	_, err := r.Register(ctx, record("lista"))
	require.NoError(t, err)
	first, _ := r.Get("lista")
	require.NoError(t, r.UpdateStatus(ctx, "lista", model.StatusInactive))

	again := record("lista")
	again.Address = "http://lista:9000"
	created, err := r.Register(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	rec, _ := r.Get("lista")
	assert.Equal(t, "http://lista:9000", rec.Address)
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, first.RegisteredAt, rec.RegisteredAt)
	assert.Len(t, r.List(), 1)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 10)
	_, err := r.Register(context.Background(), model.ServiceRecord{Name: " "})
	assert.True(t, storage.IsInvalidArgument(err))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 10)
	ctx := context.Background()
	_, err := r.Register(ctx, record("gerep"))
	require.NoError(t, err)

	found, err := r.Unregister(ctx, "gerep")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = r.Unregister(ctx, "gerep")
	require.NoError(t, err)
	assert.False(t, found)

	_, ok := r.Get("gerep")
	assert.False(t, ok)
}

func TestUnregisterIfAddress(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 10)
	ctx := context.Background()
	rec := record("lista")
	rec.Address = "tcp://127.0.0.1:40000"
	_, err := r.Register(ctx, rec)
	require.NoError(t, err)

	removed, err := r.UnregisterIfAddress(ctx, "lista", "tcp://127.0.0.1:50000")
	require.NoError(t, err)
	assert.False(t, removed)
	_, ok := r.Get("lista")
	assert.True(t, ok)

	removed, err = r.UnregisterIfAddress(ctx, "lista", "tcp://127.0.0.1:40000")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestHeartbeat(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 10)
	ctx := context.Background()

	ok, err := r.Heartbeat(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Register(ctx, record("regist"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus(ctx, "regist", model.StatusDegraded))
	before, _ := r.Get("regist")

	later := before.LastHeartbeat.Add(time.Minute)
	r.now = func() time.Time { return later }
	ok, err = r.Heartbeat(ctx, "regist")
	require.NoError(t, err)
	assert.True(t, ok)

	after, _ := r.Get("regist")
	assert.Equal(t, model.StatusActive, after.Status)
	assert.True(t, later.Equal(*after.LastHeartbeat))
}

func TestUpdateStatusUnknownIsSilent(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 10)
	assert.NoError(t, r.UpdateStatus(context.Background(), "ghost", model.StatusInactive))
	assert.Error(t, r.UpdateStatus(context.Background(), "ghost", "BOGUS"))
}

// 存储写入失败时内存状态保持不变
func TestStorageFailureLeavesMemoryUnchanged(t *testing.T) {
	store := &flakyStore{MemoryStorage: memory.NewMemoryStorage()}
	r := newTestRegistry(store, 10)
	ctx := context.Background()

	_, err := r.Register(ctx, record("regist"))
	require.NoError(t, err)

	store.setFail(true)

	_, err = r.Register(ctx, record("lista"))
	assert.ErrorIs(t, err, errStoreDown)
	_, ok := r.Get("lista")
	assert.False(t, ok)

	_, err = r.Unregister(ctx, "regist")
	assert.Error(t, err)
	_, ok = r.Get("regist")
	assert.True(t, ok)

	before, _ := r.Get("regist")
	_, err = r.Heartbeat(ctx, "regist")
	assert.Error(t, err)
	after, _ := r.Get("regist")
	assert.Equal(t, before.LastHeartbeat, after.LastHeartbeat)

	// 日志与计数器同样先写存储，失败时内存不前进
	r.AppendLog(ctx, model.MessageLogEntry{Service: "regist", Outcome: model.OutcomeSuccess})
	_, total := r.Logs(0, 0)
	assert.Equal(t, 0, total)

	r.IncrementCounter(ctx, model.CounterTotalMessages, 1)
	assert.Equal(t, int64(0), r.Counters()[model.CounterTotalMessages])
}

// 存储短暂故障后重启，计数器不会低于之前已经对外报告的值
func TestCountersNeverAheadOfStore(t *testing.T) {
	store := &flakyStore{MemoryStorage: memory.NewMemoryStorage()}
	r := newTestRegistry(store, 10)
	ctx := context.Background()

	r.IncrementCounter(ctx, model.CounterTotalErrors, 1)
	store.setFail(true)
	r.IncrementCounter(ctx, model.CounterTotalErrors, 1)
	store.setFail(false)
	r.IncrementCounter(ctx, model.CounterTotalErrors, 1)

	served := r.Counters()[model.CounterTotalErrors]
	assert.Equal(t, int64(2), served)

	restarted := newTestRegistry(store, 10)
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, served, restarted.Counters()[model.CounterTotalErrors])
}

// 经 sinit 注册的服务的连接无法跨越重启，加载时从内存和存储中清除
func TestLoadDropsTCPBoundServices(t *testing.T) {
	store := memory.NewMemoryStorage()
	ctx := context.Background()

	first := newTestRegistry(store, 10)
	_, err := first.Register(ctx, record("regist"))
	require.NoError(t, err)
	_, err = first.Register(ctx, model.ServiceRecord{Name: "lista", Address: model.TCPScheme + "127.0.0.1:41550"})
	require.NoError(t, err)

	restarted := newTestRegistry(store, 10)
	require.NoError(t, restarted.Load(ctx))

	_, ok := restarted.Get("lista")
	assert.False(t, ok)
	_, ok = restarted.Get("regist")
	assert.True(t, ok)
	assert.Equal(t, 1, restarted.StatusCounts()[model.StatusActive])

	persisted, err := store.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "regist", persisted[0].Name)
}

func TestLogRingCapacityAndPaging(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 5)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		r.AppendLog(ctx, model.MessageLogEntry{Service: fmt.Sprintf("svc%d", i), Outcome: model.OutcomeSuccess})
	}

	logs, total := r.Logs(0, 0)
	assert.Equal(t, 5, total)
	require.Len(t, logs, 5)
	assert.Equal(t, "svc7", logs[0].Service)
	assert.Equal(t, "svc3", logs[4].Service)
	assert.False(t, logs[0].Timestamp.IsZero())

	page, _ := r.Logs(2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, "svc6", page[0].Service)
	assert.Equal(t, "svc5", page[1].Service)

	empty, _ := r.Logs(10, 50)
	assert.Empty(t, empty)
}

func TestCountersIncludeFixedKeys(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 5)
	r.IncrementCounter(context.Background(), model.CounterTimeoutErrors, 1)

	counters := r.Counters()
	for _, k := range model.CounterKeys {
		_, ok := counters[k]
		assert.True(t, ok, k)
	}
	assert.Equal(t, int64(1), counters[model.CounterTimeoutErrors])
}

func TestStatusCounts(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 5)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := r.Register(ctx, record(name))
		require.NoError(t, err)
	}
	require.NoError(t, r.UpdateStatus(ctx, "b", model.StatusInactive))
	require.NoError(t, r.UpdateStatus(ctx, "c", model.StatusDegraded))

	counts := r.StatusCounts()
	assert.Equal(t, 1, counts[model.StatusActive])
	assert.Equal(t, 1, counts[model.StatusInactive])
	assert.Equal(t, 1, counts[model.StatusDegraded])
}

// 重启后服务、计数器与日志都从存储恢复
func TestLoadRestoresStateAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.db")
	ctx := context.Background()

	open := func() *sqlstore.Store {
		s, err := sqlstore.OpenSQLite(path)
		require.NoError(t, err)
		require.NoError(t, s.EnsureSchema(ctx))
		return s
	}

	first := open()
	r := newTestRegistry(first, 3)
	_, err := r.Register(ctx, record("regist"))
	require.NoError(t, err)
	r.IncrementCounter(ctx, model.CounterTotalMessages, 1)
	r.IncrementCounter(ctx, model.CounterTotalMessages, 1)
	for i := 0; i < 5; i++ {
		r.AppendLog(ctx, model.MessageLogEntry{Service: fmt.Sprintf("svc%d", i), Method: "GET",
			Endpoint: "/", Outcome: model.OutcomeSuccess})
	}
	require.NoError(t, first.Close())

	second := open()
	t.Cleanup(func() { _ = second.Close() })
	restored := newTestRegistry(second, 3)
	require.NoError(t, restored.Load(ctx))

	rec, ok := restored.Get("regist")
	require.True(t, ok)
	assert.Equal(t, "http://regist:8000", rec.Address)
	assert.Equal(t, int64(2), restored.Counters()[model.CounterTotalMessages])
	assert.Equal(t, int64(1), restored.Counters()[model.CounterTotalRegistrations])

	logs, total := restored.Logs(0, 0)
	assert.Equal(t, 3, total)
	assert.Equal(t, "svc4", logs[0].Service)
	assert.Equal(t, "svc2", logs[2].Service)
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry(memory.NewMemoryStorage(), 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("svc%d", i%5)
			_, _ = r.Register(ctx, record(name))
			_, _ = r.Heartbeat(ctx, name)
			_ = r.List()
			r.AppendLog(ctx, model.MessageLogEntry{Service: name, Outcome: model.OutcomeSuccess})
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.List(), 5)
	assert.Equal(t, int64(20), r.Counters()[model.CounterTotalRegistrations])
}
