package lock

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

type memoryEntry struct {
	sem  chan struct{}
	refs int
}

// MemoryLocker: in-process блокировки по ключу с таймаутом захвата.
// Записи удаляются, когда их никто не держит и не ждёт.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryLocker создаёт пустой реестр блокировок.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memoryEntry)}
}

// Acquire реализует Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (ReleaseFunc, error) {
	entry := l.ref(key)

	// Быстрый путь без таймера.
	select {
	case entry.sem <- struct{}{}:
		return l.releaser(key, entry), nil
	default:
	}

	if timeout <= 0 {
		l.unref(key, entry)
		return nil, domain.ErrGroupBusy
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		return l.releaser(key, entry), nil
	case <-timer.C:
		l.unref(key, entry)
		return nil, domain.ErrGroupBusy
	case <-ctx.Done():
		l.unref(key, entry)
		return nil, ctx.Err()
	}
}

// Len возвращает число ключей в реестре.
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLocker) ref(key string) *memoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		entry = &memoryEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *MemoryLocker) unref(key string, entry *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *MemoryLocker) releaser(key string, entry *memoryEntry) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.unref(key, entry)
		})
	}
}

var _ Locker = (*MemoryLocker)(nil)
