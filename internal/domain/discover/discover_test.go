package discover

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/errkind"
	"spectra/internal/domain/governor"
	"spectra/internal/domain/registry"
	"spectra/internal/infra/config"
	"spectra/internal/infra/sqlite"
)

// fakeGraph — мир фейкового клиента: сущности по ссылкам и их истории.
type fakeGraph struct {
	byRef   map[string]telegram.Entity
	history map[int64][]telegram.Message

	resolved []string
}

func (g *fakeGraph) Self(ctx context.Context) (telegram.Entity, error) {
	return telegram.Entity{}, nil
}

func (g *fakeGraph) Resolve(ctx context.Context, ref string) (telegram.Entity, error) {
	g.resolved = append(g.resolved, ref)
	ent, ok := g.byRef[ref]
	if !ok {
		return telegram.Entity{}, errkind.Newf(errkind.EntityAccess, "unknown ref %q", ref)
	}
	return ent, nil
}

func (g *fakeGraph) History(ctx context.Context, ent telegram.Entity, fromID int64, limit int) ([]telegram.Message, error) {
	var out []telegram.Message
	for _, m := range g.history[ent.ID] {
		if m.ID > fromID {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (g *fakeGraph) Forward(ctx context.Context, src, dst telegram.Entity, ids []int64) error {
	return nil
}

func (g *fakeGraph) Copy(ctx context.Context, src, dst telegram.Entity, msg telegram.Message, banner string) error {
	return nil
}

func (g *fakeGraph) Download(ctx context.Context, ent telegram.Entity, msg telegram.Message, w io.Writer) (int64, error) {
	return 0, nil
}

func (g *fakeGraph) Avatar(ctx context.Context, ent telegram.Entity, w io.Writer) (int64, error) {
	return 0, errkind.Newf(errkind.Protocol, "entity %d has no avatar", ent.ID)
}

func (g *fakeGraph) Join(ctx context.Context, ent telegram.Entity) error { return nil }

type fakeConnector struct{ c telegram.Client }

func (f fakeConnector) Client(ctx context.Context, session string) (telegram.Client, error) {
	return f.c, nil
}

func newDiscoverer(t *testing.T, g telegram.Client, cfg config.DiscoveryConfig) (*Discoverer, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "spectra.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store, config.RotationConfig{
		Mode: "smart", CooldownHours: 6, MaxOperationsPerAccount: 500, FloodWaitMultiplier: 1,
	}, t.TempDir())
	if err := reg.Import(context.Background(), []config.AccountConfig{
		{APIID: 1, APIHash: "0123456789abcdef", SessionName: "alpha"},
	}, nil); err != nil {
		t.Fatalf("Import: %v", err)
	}
	gov := governor.New(governor.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))
	return New(store, reg, gov, fakeConnector{c: g}, cfg), store
}

func tm(id int64, text string) telegram.Message {
	return telegram.Message{ID: id, Date: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC), Text: text}
}

func TestExtractRefs(t *testing.T) {
	t.Parallel()

	msg := telegram.Message{
		Text:    "join https://t.me/newsroom and t.me/+AbC123 or ask @someuser",
		FwdFrom: &telegram.ForwardHeader{FromID: 55, FromTitle: "Origin"},
	}
	refs := extractRefs(msg)

	var targets []string
	var fwd int64
	invites := 0
	for _, r := range refs {
		if r.fwdID != 0 {
			fwd = r.fwdID
			continue
		}
		targets = append(targets, r.target)
		if r.invite {
			invites++
		}
	}
	if fwd != 55 {
		t.Fatalf("forward header ref = %d, want 55", fwd)
	}
	if invites != 1 {
		t.Fatalf("invite refs = %d, want 1", invites)
	}
	want := map[string]bool{"@newsroom": true, "t.me/+AbC123": true, "@someuser": true}
	seen := make(map[string]bool)
	for _, tg := range targets {
		seen[tg] = true
	}
	for w := range want {
		if !seen[w] {
			t.Fatalf("targets %v missing %q", targets, w)
		}
	}
}

func TestCrawlDepthBound(t *testing.T) {
	t.Parallel()

	// seed → a → b → c; max_depth=2 должен открыть seed, a, b, но не c.
	g := &fakeGraph{
		byRef: map[string]telegram.Entity{
			"@seed": {ID: 1, AccessHash: 10, Kind: sqlite.EntityChannel, Title: "Seed", Username: "seed"},
			"@aaaaa": {ID: 2, AccessHash: 20, Kind: sqlite.EntityChannel, Title: "A", Username: "aaaaa"},
			"@bbbbb": {ID: 3, AccessHash: 30, Kind: sqlite.EntityChannel, Title: "B", Username: "bbbbb"},
			"@ccccc": {ID: 4, AccessHash: 40, Kind: sqlite.EntityChannel, Title: "C", Username: "ccccc"},
		},
		history: map[int64][]telegram.Message{
			1: {tm(1, "see @aaaaa")},
			2: {tm(1, "see @bbbbb")},
			3: {tm(1, "see @ccccc")},
		},
	}
	d, store := newDiscoverer(t, g, config.DiscoveryConfig{
		MaxMessages: 100, MaxDepth: 2, MaxPerLevel: 50, IncludePublic: true,
	})

	ctx := context.Background()
	if err := d.Crawl(ctx, "@seed"); err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	for _, id := range []int64{1, 2, 3} {
		if ok, _ := store.HasEntity(ctx, id); !ok {
			t.Fatalf("entity %d not recorded", id)
		}
	}
	if ok, _ := store.HasEntity(ctx, 4); ok {
		t.Fatal("entity 4 recorded beyond max depth")
	}

	// Глубина и access-записи.
	b, err := store.GetEntity(ctx, 3)
	if err != nil {
		t.Fatalf("GetEntity(3): %v", err)
	}
	if b.Depth != 2 {
		t.Fatalf("entity 3 depth = %d, want 2", b.Depth)
	}
	rec, err := store.GetAccessRecord(ctx, "alpha", 2)
	if err != nil {
		t.Fatalf("access record for 2: %v", err)
	}
	if rec.AccessHash != 20 {
		t.Fatalf("access hash = %d, want 20", rec.AccessHash)
	}
}

func TestCrawlRecordsEdgesAndForwardHeaders(t *testing.T) {
	t.Parallel()

	g := &fakeGraph{
		byRef: map[string]telegram.Entity{
			"@seed": {ID: 1, AccessHash: 10, Kind: sqlite.EntityChannel, Title: "Seed", Username: "seed"},
		},
		history: map[int64][]telegram.Message{
			1: {{
				ID:      1,
				Date:    time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
				Text:    "reposted",
				FwdFrom: &telegram.ForwardHeader{FromID: 777, FromTitle: "Hidden Source"},
			}},
		},
	}
	d, store := newDiscoverer(t, g, config.DiscoveryConfig{
		MaxMessages: 100, MaxDepth: 2, MaxPerLevel: 50, IncludePublic: true, IncludePrivate: true,
	})

	ctx := context.Background()
	if err := d.Crawl(ctx, "@seed"); err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	ent, err := store.GetEntity(ctx, 777)
	if err != nil {
		t.Fatalf("forward-header entity not recorded: %v", err)
	}
	if ent.Title != "Hidden Source" {
		t.Fatalf("title = %q, want Hidden Source", ent.Title)
	}
	// Без username сущность неадресуема, поэтому не сканируется дальше,
	// но access-записи у неё быть не должно.
	if _, err := store.GetAccessRecord(ctx, "alpha", 777); errkind.KindOf(err) != errkind.EntityAccess {
		t.Fatalf("unexpected access record state: %v", err)
	}
}

func TestCrawlPublicFilter(t *testing.T) {
	t.Parallel()

	g := &fakeGraph{
		byRef: map[string]telegram.Entity{
			"@seed":        {ID: 1, AccessHash: 10, Kind: sqlite.EntityChannel, Title: "Seed", Username: "seed"},
			"t.me/+AbC123": {ID: 5, AccessHash: 50, Kind: sqlite.EntityChannel, Title: "Private"},
		},
		history: map[int64][]telegram.Message{
			1: {tm(1, "invite only: https://t.me/+AbC123")},
		},
	}
	d, store := newDiscoverer(t, g, config.DiscoveryConfig{
		MaxMessages: 100, MaxDepth: 2, MaxPerLevel: 50, IncludePublic: true, IncludePrivate: false,
	})

	ctx := context.Background()
	if err := d.Crawl(ctx, "@seed"); err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if ok, _ := store.HasEntity(ctx, 5); ok {
		t.Fatal("private entity recorded despite include_private=false")
	}
}

func TestCrawlMessageBudget(t *testing.T) {
	t.Parallel()

	// 250 сообщений истории при бюджете 150: сканируются только первые 150.
	var history []telegram.Message
	for i := 1; i <= 250; i++ {
		text := "noise"
		if i == 200 {
			text = "late link @hidden99" // за пределами бюджета
		}
		history = append(history, tm(int64(i), text))
	}
	g := &fakeGraph{
		byRef: map[string]telegram.Entity{
			"@seed":     {ID: 1, AccessHash: 10, Kind: sqlite.EntityChannel, Title: "Seed", Username: "seed"},
			"@hidden99": {ID: 6, AccessHash: 60, Kind: sqlite.EntityChannel, Title: "Late", Username: "hidden99"},
		},
		history: map[int64][]telegram.Message{1: history},
	}
	d, store := newDiscoverer(t, g, config.DiscoveryConfig{
		MaxMessages: 150, MaxDepth: 1, MaxPerLevel: 50, IncludePublic: true,
	})

	ctx := context.Background()
	if err := d.Crawl(ctx, "@seed"); err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if ok, _ := store.HasEntity(ctx, 6); ok {
		t.Fatal("entity past the message budget was recorded")
	}
}

func TestCrawlPerLevelCap(t *testing.T) {
	t.Parallel()

	// Сид упоминает пять каналов; max_per_level=2 пускает во фронтир два.
	byRef := map[string]telegram.Entity{
		"@seed": {ID: 1, AccessHash: 10, Kind: sqlite.EntityChannel, Title: "Seed", Username: "seed"},
	}
	var text strings.Builder
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("child%d", i)
		byRef["@"+name] = telegram.Entity{
			ID: int64(100 + i), AccessHash: int64(1000 + i),
			Kind: sqlite.EntityChannel, Title: name, Username: name,
		}
		text.WriteString(" @" + name)
	}
	g := &fakeGraph{
		byRef:   byRef,
		history: map[int64][]telegram.Message{1: {tm(1, text.String())}},
	}
	d, store := newDiscoverer(t, g, config.DiscoveryConfig{
		MaxMessages: 100, MaxDepth: 1, MaxPerLevel: 2, IncludePublic: true,
	})

	ctx := context.Background()
	if err := d.Crawl(ctx, "@seed"); err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	recorded := 0
	for i := 0; i < 5; i++ {
		if ok, _ := store.HasEntity(ctx, int64(100+i)); ok {
			recorded++
		}
	}
	if recorded != 2 {
		t.Fatalf("children recorded = %d, want 2", recorded)
	}
}

func TestKeywordRaisesPriority(t *testing.T) {
	t.Parallel()

	g := &fakeGraph{
		byRef: map[string]telegram.Entity{
			"@seed":   {ID: 1, AccessHash: 10, Kind: sqlite.EntityChannel, Title: "Seed", Username: "seed"},
			"@plainx": {ID: 7, AccessHash: 70, Kind: sqlite.EntityChannel, Title: "Plain", Username: "plainx"},
			"@newshub": {ID: 8, AccessHash: 80, Kind: sqlite.EntityChannel, Title: "Daily News Hub", Username: "newshub"},
		},
		history: map[int64][]telegram.Message{
			1: {tm(1, "see @plainx and @newshub")},
		},
	}
	d, store := newDiscoverer(t, g, config.DiscoveryConfig{
		MaxMessages: 100, MaxDepth: 1, MaxPerLevel: 50, IncludePublic: true, Keywords: []string{"news"},
	})

	ctx := context.Background()
	if err := d.Crawl(ctx, "@seed"); err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	plain, _ := store.GetEntity(ctx, 7)
	news, _ := store.GetEntity(ctx, 8)
	if news.Priority <= plain.Priority {
		t.Fatalf("keyword entity priority %f not above plain %f", news.Priority, plain.Priority)
	}
}
