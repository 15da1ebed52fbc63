package state

import "sync"

// Locker はユーザー単位の排他制御を提供する。
// 同じユーザーのイベントは1件ずつ処理され、会話状態の読み込み・変更・書き込みが競合しない。
type Locker struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu      sync.Mutex
	waiters int
}

// NewLocker はLockerを生成する。
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*userLock)}
}

// Lock はユーザーのロックを取得し、解放用の関数を返す。
// 待機者がいなくなったロックはマップから取り除かれる。
func (l *Locker) Lock(userID string) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.waiters++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.waiters--
		if ul.waiters == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// Len は保持中のロック数を返す。
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
