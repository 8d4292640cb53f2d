package schedule

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// RoundLookup はラウンドの存在確認に必要なインターフェース。
// repository.EventRepositoryの部分集合として定義する。
type RoundLookup interface {
	ExistsForRound(ctx context.Context, userID, contextID string, round int) (bool, error)
}

// Policy は (userID, cid, round) ごとに1イベントまでという規則を判定する。
type Policy struct {
	events RoundLookup
}

// NewPolicy はPolicyを生成する。
func NewPolicy(events RoundLookup) *Policy {
	return &Policy{events: events}
}

// CheckRoundUniqueness は指定ラウンドのイベントがまだ存在しない場合にtrueを返す。
func (p *Policy) CheckRoundUniqueness(ctx context.Context, userID, contextID string, round int) (bool, error) {
	exists, err := p.events.ExistsForRound(ctx, userID, contextID, round)
	if err != nil {
		return false, fmt.Errorf("failed to check round uniqueness: %w", err)
	}
	return !exists, nil
}

// RoundGuard は (userID, cid, round) 単位のプロセス内排他ロック。
// プロセスをまたぐ重複はDBの一意制約で検出する。
type RoundGuard struct {
	mu    sync.Mutex
	locks map[string]*guardEntry
}

type guardEntry struct {
	mu   sync.Mutex
	refs int
}

// NewRoundGuard はRoundGuardを生成する。
func NewRoundGuard() *RoundGuard {
	return &RoundGuard{locks: make(map[string]*guardEntry)}
}

// Lock は指定キーのロックを取得し、解放用の関数を返す。
// 使われなくなったキーは解放時にマップから取り除く。
func (g *RoundGuard) Lock(userID, contextID string, round int) func() {
	key := userID + "\x00" + contextID + "\x00" + strconv.Itoa(round)

	g.mu.Lock()
	entry, ok := g.locks[key]
	if !ok {
		entry = &guardEntry{}
		g.locks[key] = entry
	}
	entry.refs++
	g.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()

			g.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(g.locks, key)
			}
			g.mu.Unlock()
		})
	}
}

// size は保持しているキー数を返す。
func (g *RoundGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
