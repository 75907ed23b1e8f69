// Package graph はソーシャルグラフ（友人関係）の参照を提供する。
// 友人リストは位置サンプルごとに解決されるため、TTL付きのキャッシュを前段に置ける。
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/safetrack/internal/repository"
)

// Gateway は友人リストを解決するインターフェース。
type Gateway interface {
	// FriendsOf は指定ユーザーの友人のユーザー名を返す。本人は含まない。
	FriendsOf(ctx context.Context, user string) ([]string, error)
}

// RepositoryGateway はFriendRepositoryから友人リストを解決するGateway。
type RepositoryGateway struct {
	repo repository.FriendRepository
}

// NewRepositoryGateway はRepositoryGatewayを生成する。
func NewRepositoryGateway(repo repository.FriendRepository) *RepositoryGateway {
	return &RepositoryGateway{repo: repo}
}

// FriendsOf は友人リストを取得し、空文字・本人・重複を除いて返す。
func (g *RepositoryGateway) FriendsOf(ctx context.Context, user string) ([]string, error) {
	friends, err := g.repo.ListFriends(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("友人リストの取得に失敗: %w", err)
	}
	return normalize(user, friends), nil
}

func normalize(user string, friends []string) []string {
	seen := make(map[string]struct{}, len(friends))
	out := make([]string, 0, len(friends))
	for _, f := range friends {
		if f == "" || f == user {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

type cacheEntry struct {
	friends   []string
	expiresAt time.Time
}

// CachingGateway は別のGatewayの結果をTTLの間キャッシュする。
// エラーはキャッシュしない。失効したエントリは書き込み時にTTL間隔でまとめて削除する。
type CachingGateway struct {
	next Gateway
	ttl  time.Duration
	now  func() time.Time

	mu        sync.RWMutex
	entries   map[string]cacheEntry
	lastSweep time.Time
}

// NewCachingGateway はCachingGatewayを生成する。ttlが0以下の場合はキャッシュせずnextをそのまま返す。
func NewCachingGateway(next Gateway, ttl time.Duration) Gateway {
	if ttl <= 0 {
		return next
	}
	return &CachingGateway{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// FriendsOf はキャッシュが有効であればそれを返し、失効していれば再取得する。
// 返すスライスは呼び出し元ごとのコピー。
func (g *CachingGateway) FriendsOf(ctx context.Context, user string) ([]string, error) {
	now := g.now()

	g.mu.RLock()
	e, ok := g.entries[user]
	g.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		return append([]string(nil), e.friends...), nil
	}

	friends, err := g.next.FriendsOf(ctx, user)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if now.Sub(g.lastSweep) >= g.ttl {
		g.sweepLocked(now)
	}
	g.entries[user] = cacheEntry{friends: friends, expiresAt: now.Add(g.ttl)}
	g.mu.Unlock()

	return append([]string(nil), friends...), nil
}

// sweepLocked は失効済みのエントリを削除する。g.muを保持して呼ぶこと。
func (g *CachingGateway) sweepLocked(now time.Time) {
	for user, e := range g.entries {
		if !now.Before(e.expiresAt) {
			delete(g.entries, user)
		}
	}
	g.lastSweep = now
}

// StaticGateway は固定の友人関係を返すGateway。ローカル開発とテストで使用する。
type StaticGateway map[string][]string

// FriendsOf は登録済みの友人リストを返す。
func (g StaticGateway) FriendsOf(_ context.Context, user string) ([]string, error) {
	return normalize(user, g[user]), nil
}
