// Package lock сериализует мутации одной группы.
//
// Блокировка всегда берётся с ограничением по времени: если группа занята
// дольше таймаута, вызывающий получает domain.ErrGroupBusy без побочных эффектов.
package lock

import (
	"context"
	"time"
)

// ReleaseFunc снимает ранее захваченную блокировку.
type ReleaseFunc func()

// Locker выдаёт эксклюзивную блокировку по ключу.
type Locker interface {
	// Acquire ждёт блокировку не дольше timeout.
	// При таймауте возвращает domain.ErrGroupBusy, при отмене ctx: ctx.Err().
	Acquire(ctx context.Context, key string, timeout time.Duration) (ReleaseFunc, error)
}

// Chain захватывает блокировки по порядку и отпускает в обратном.
// Используется как локальный mutex + распределённый Redis lock.
type Chain []Locker

// Acquire реализует Locker.
func (c Chain) Acquire(ctx context.Context, key string, timeout time.Duration) (ReleaseFunc, error) {
	deadline := time.Now().Add(timeout)
	releases := make([]ReleaseFunc, 0, len(c))

	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, locker := range c {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		release, err := locker.Acquire(ctx, key, remaining)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}

	return releaseAll, nil
}

var _ Locker = Chain(nil)
