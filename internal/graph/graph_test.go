package graph

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// mockFriendRepo はFriendRepositoryのテスト用モック。
type mockFriendRepo struct {
	listFn func(ctx context.Context, username string) ([]string, error)
}

func (m *mockFriendRepo) ListFriends(ctx context.Context, username string) ([]string, error) {
	return m.listFn(ctx, username)
}

// countingGateway は呼び出し回数を数えるGateway。
type countingGateway struct {
	calls   int
	friends []string
	err     error
}

func (g *countingGateway) FriendsOf(_ context.Context, _ string) ([]string, error) {
	g.calls++
	return g.friends, g.err
}

func TestRepositoryGateway_Normalizes(t *testing.T) {
	repo := &mockFriendRepo{listFn: func(ctx context.Context, username string) ([]string, error) {
		return []string{"bob", "", "alice", "carol", "bob"}, nil
	}}
	g := NewRepositoryGateway(repo)

	got, err := g.FriendsOf(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FriendsOf returned error: %v", err)
	}
	want := []string{"bob", "carol"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FriendsOf = %v, want %v", got, want)
	}
}

func TestRepositoryGateway_WrapsError(t *testing.T) {
	sentinel := errors.New("db down")
	repo := &mockFriendRepo{listFn: func(ctx context.Context, username string) ([]string, error) {
		return nil, sentinel
	}}
	g := NewRepositoryGateway(repo)

	_, err := g.FriendsOf(context.Background(), "alice")
	if !errors.Is(err, sentinel) {
		t.Errorf("元のエラーをラップすべき, got %v", err)
	}
}

func TestCachingGateway_CachesWithinTTL(t *testing.T) {
	next := &countingGateway{friends: []string{"bob"}}
	g := NewCachingGateway(next, time.Minute).(*CachingGateway)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := g.FriendsOf(context.Background(), "alice"); err != nil {
			t.Fatalf("FriendsOf returned error: %v", err)
		}
	}
	if next.calls != 1 {
		t.Errorf("TTL内は1回だけ取得すべき, calls = %d", next.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := g.FriendsOf(context.Background(), "alice"); err != nil {
		t.Fatalf("FriendsOf returned error: %v", err)
	}
	if next.calls != 2 {
		t.Errorf("TTL経過後は再取得すべき, calls = %d", next.calls)
	}
}

func TestCachingGateway_DoesNotCacheErrors(t *testing.T) {
	next := &countingGateway{err: errors.New("fail")}
	g := NewCachingGateway(next, time.Minute)

	g.FriendsOf(context.Background(), "alice")
	g.FriendsOf(context.Background(), "alice")
	if next.calls != 2 {
		t.Errorf("エラーはキャッシュすべきでない, calls = %d", next.calls)
	}
}

func TestCachingGateway_ReturnsCopy(t *testing.T) {
	next := &countingGateway{friends: []string{"bob", "carol"}}
	g := NewCachingGateway(next, time.Minute)

	first, _ := g.FriendsOf(context.Background(), "alice")
	first[0] = "mallory"

	second, _ := g.FriendsOf(context.Background(), "alice")
	if second[0] != "bob" {
		t.Errorf("呼び出し元の変更がキャッシュに影響すべきでない, got %v", second)
	}
}

func TestCachingGateway_SweepsExpiredEntries(t *testing.T) {
	next := &countingGateway{friends: []string{"bob"}}
	g := NewCachingGateway(next, time.Minute).(*CachingGateway)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	for _, u := range []string{"u1", "u2", "u3"} {
		g.FriendsOf(context.Background(), u)
	}
	if len(g.entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(g.entries))
	}

	// 一度きりのユーザーのエントリはTTL経過後の次の書き込みで削除される
	now = now.Add(2 * time.Minute)
	g.FriendsOf(context.Background(), "u4")
	if len(g.entries) != 1 {
		t.Errorf("entries = %d, want 1", len(g.entries))
	}
	if _, ok := g.entries["u4"]; !ok {
		t.Error("新しいエントリは残るべき")
	}
}

func TestCachingGateway_SweepKeepsFreshEntries(t *testing.T) {
	next := &countingGateway{friends: []string{"bob"}}
	g := NewCachingGateway(next, time.Minute).(*CachingGateway)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	g.FriendsOf(context.Background(), "old")
	now = now.Add(50 * time.Second)
	g.FriendsOf(context.Background(), "fresh")
	now = now.Add(20 * time.Second)
	g.FriendsOf(context.Background(), "newest")

	if _, ok := g.entries["old"]; ok {
		t.Error("失効したエントリは削除されるべき")
	}
	if _, ok := g.entries["fresh"]; !ok {
		t.Error("有効期限内のエントリは残るべき")
	}
}

func TestNewCachingGateway_ZeroTTLPassesThrough(t *testing.T) {
	next := &countingGateway{}
	if g := NewCachingGateway(next, 0); g != Gateway(next) {
		t.Error("TTLが0の場合はnextをそのまま返すべき")
	}
}

func TestStaticGateway(t *testing.T) {
	g := StaticGateway{"alice": {"bob", "alice"}}
	got, _ := g.FriendsOf(context.Background(), "alice")
	if !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("FriendsOf = %v, want [bob]", got)
	}
	none, _ := g.FriendsOf(context.Background(), "zed")
	if len(none) != 0 {
		t.Errorf("未登録ユーザーは空を返すべき, got %v", none)
	}
}
