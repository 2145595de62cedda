// Package discover — обходчик графа каналов. От затравки выполняется
// ограниченный по глубине обход: в истории каждой посещённой сущности
// сканируются ссылки t.me, @упоминания и заголовки пересылок; найденные
// сущности получают числовой приоритет и становятся фронтиром следующей
// волны. Каждая посещённая сущность фиксируется отдельной транзакцией,
// поэтому прерванный обход не теряет уже открытые вершины.
package discover

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/errkind"
	"spectra/internal/domain/governor"
	"spectra/internal/domain/registry"
	"spectra/internal/domain/scheduler"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/sqlite"
)

// Весовые коэффициенты приоритета обнаруженной сущности.
const (
	weightInbound = 0.4  // за каждую входящую ссылку
	weightInvite  = 0.3  // найдена по инвайт-ссылке
	weightDepth   = -0.2 // за каждый уровень глубины
	weightKeyword = 0.1  // заголовок содержит ключевое слово
)

// historyPage — страница истории за один запрос сканирования.
const historyPage = 100

// retryHorizon — отсрочка задания, когда аккаунты недоступны.
const retryHorizon = 10 * time.Minute

// Ссылки t.me в тексте: username или инвайт (+hash / joinchat).
var (
	tmeLinkRe  = regexp.MustCompile(`(?i)(?:https?://)?t\.me/(joinchat/|\+)?([A-Za-z0-9_-]+)`)
	usernameRe = regexp.MustCompile(`@([A-Za-z0-9_]{5,32})`)
)

// Connector выдаёт подключённый клиент для сессии.
type Connector interface {
	Client(ctx context.Context, session string) (telegram.Client, error)
}

// Payload — параметры задания обнаружения.
type Payload struct {
	Entity int64  `json:"entity,omitempty"`
	Seed   string `json:"seed"` // @username или ссылка затравки
}

// ref — одна найденная ссылка на сущность.
type ref struct {
	target  string // @username или инвайт-ссылка; пусто для заголовка пересылки
	fwdID   int64  // id из заголовка пересылки
	fwdName string
	context string // link | username | forward-header
	invite  bool
}

// Discoverer — раннер заданий обнаружения.
type Discoverer struct {
	store   *sqlite.Store
	reg     *registry.Registry
	gov     *governor.Governor
	connect Connector
	cfg     config.DiscoveryConfig
}

// New создаёт обходчик.
func New(store *sqlite.Store, reg *registry.Registry, gov *governor.Governor, connect Connector, cfg config.DiscoveryConfig) *Discoverer {
	return &Discoverer{store: store, reg: reg, gov: gov, connect: connect, cfg: cfg}
}

// Run выполняет обход от затравки до границ глубины.
func (d *Discoverer) Run(ctx context.Context, job sqlite.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return errkind.Wrap(errkind.Configuration, err)
	}
	if p.Seed == "" {
		return errkind.Newf(errkind.Configuration, "discover: seed reference is required")
	}
	return d.Crawl(ctx, p.Seed)
}

// Crawl — сам обход; вызывается и напрямую (режим discover пересыльщика).
func (d *Discoverer) Crawl(ctx context.Context, seed string) error {
	session, err := d.reg.Next(ctx)
	if err != nil {
		if delay, ok := errkind.AsFloodWait(err); ok {
			return &scheduler.RetryAfter{After: delay}
		}
		if errkind.KindOf(err) == errkind.Auth {
			return &scheduler.RetryAfter{After: retryHorizon}
		}
		return err
	}
	lease, err := d.reg.Lease(ctx, session)
	if err != nil {
		return err
	}
	defer lease.Release()

	client, err := d.connect.Client(ctx, session)
	if err != nil {
		return err
	}

	root, err := d.resolve(ctx, client, session, seed)
	if err != nil {
		return err
	}
	if err := d.recordEntity(ctx, session, root, 0, false, 0); err != nil {
		return err
	}

	type node struct {
		ent   telegram.Entity
		depth int
	}
	frontier := []node{{ent: root, depth: 0}}
	visited := map[int64]struct{}{root.ID: {}}
	found := 1

	for len(frontier) > 0 {
		current := frontier
		frontier = nil
		for _, n := range current {
			if err := ctx.Err(); err != nil {
				return errkind.Wrap(errkind.Cancelled, err)
			}
			if n.depth >= d.cfg.MaxDepth {
				continue
			}

			refs, err := d.scan(ctx, client, lease, n.ent)
			if err != nil {
				if kind := errkind.KindOf(err); kind == errkind.EntityAccess {
					logger.Warnf("discover: %d unreadable: %v", n.ent.ID, err)
					continue
				}
				return err
			}

			// С одной сущности во фронтир уходит не более max_per_level
			// детей: фронт волны ограничен сверху геометрической суммой.
			followed := 0
			for _, r := range refs {
				if followed >= d.cfg.MaxPerLevel {
					logger.Debugf("discover: %d hit per-level cap %d", n.ent.ID, d.cfg.MaxPerLevel)
					break
				}
				child, ok := d.follow(ctx, client, lease, n.ent, r, n.depth+1, visited)
				if !ok {
					continue
				}
				visited[child.ID] = struct{}{}
				frontier = append(frontier, node{ent: child, depth: n.depth + 1})
				followed++
				found++
			}
		}
		// Волна обрабатывается в порядке приоритета: самые связанные — первыми.
		sort.Slice(frontier, func(i, j int) bool {
			return d.priorityOf(ctx, frontier[i].ent, frontier[i].depth) >
				d.priorityOf(ctx, frontier[j].ent, frontier[j].depth)
		})
	}

	logger.Infof("discover: crawl from %q done: %d entities known", seed, found)
	return nil
}

// scan читает до max_messages истории сущности и извлекает ссылки.
func (d *Discoverer) scan(ctx context.Context, client telegram.Client, lease *registry.Lease, ent telegram.Entity) ([]ref, error) {
	session := lease.Credential().SessionName
	var refs []ref
	seenTargets := make(map[string]struct{})
	var cursor int64
	scanned := 0

	for scanned < d.cfg.MaxMessages {
		limit := historyPage
		if rest := d.cfg.MaxMessages - scanned; rest < limit {
			limit = rest
		}
		var batch []telegram.Message
		err := d.gov.Do(ctx, session, governor.OpDiscovery, func() error {
			var herr error
			batch, herr = client.History(ctx, ent, cursor, limit)
			if herr != nil {
				d.noteAccountHealth(ctx, lease, herr)
			}
			return herr
		})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		if err := lease.RecordUse(ctx); err != nil {
			return nil, err
		}

		for _, msg := range batch {
			for _, r := range extractRefs(msg) {
				key := r.context + ":" + r.target
				if r.target == "" {
					key = "fwd:" + strings.TrimSpace(r.fwdName)
				}
				if _, dup := seenTargets[key]; dup {
					continue
				}
				seenTargets[key] = struct{}{}
				refs = append(refs, r)
			}
			cursor = msg.ID
		}
		scanned += len(batch)
	}
	return refs, nil
}

// follow разрешает ссылку и фиксирует ребёнка, ребро и access-запись.
func (d *Discoverer) follow(ctx context.Context, client telegram.Client, lease *registry.Lease, parent telegram.Entity, r ref, depth int, visited map[int64]struct{}) (telegram.Entity, bool) {
	session := lease.Credential().SessionName

	// Заголовок пересылки даёт id и заголовок без разрешения через сервер.
	if r.target == "" {
		if r.fwdID == 0 {
			return telegram.Entity{}, false
		}
		if _, seen := visited[r.fwdID]; !seen {
			child := telegram.Entity{ID: r.fwdID, Kind: sqlite.EntityChannel, Title: r.fwdName}
			if err := d.recordEntity(ctx, "", child, depth, false, parent.ID); err != nil {
				logger.Errorf("discover: record forward-header entity %d: %v", r.fwdID, err)
			}
		} else {
			d.recordEdge(ctx, parent.ID, r.fwdID, r.context)
		}
		// Без username сущность неадресуема: во фронтир не попадает.
		return telegram.Entity{}, false
	}

	child, err := d.resolve(ctx, client, session, r.target)
	if err != nil {
		d.noteAccountHealth(ctx, lease, err)
		logger.Debugf("discover: %q unresolved: %v", r.target, err)
		return telegram.Entity{}, false
	}
	if !d.wantEntity(child, r.invite) {
		return telegram.Entity{}, false
	}

	if _, seen := visited[child.ID]; seen {
		d.recordEdge(ctx, parent.ID, child.ID, r.context)
		return telegram.Entity{}, false
	}
	if err := d.recordEntity(ctx, session, child, depth, r.invite, parent.ID); err != nil {
		logger.Errorf("discover: record entity %d: %v", child.ID, err)
		return telegram.Entity{}, false
	}
	d.recordEdge(ctx, parent.ID, child.ID, r.context)
	return child, true
}

// wantEntity применяет фильтры include_private / include_public.
func (d *Discoverer) wantEntity(ent telegram.Entity, invite bool) bool {
	private := ent.Username == "" || invite
	if private && !d.cfg.IncludePrivate {
		return false
	}
	if !private && !d.cfg.IncludePublic {
		return false
	}
	return true
}

// recordEntity пишет сущность, её приоритет и access-запись одной транзакцией.
// session пуст для сущностей из заголовков пересылок (access hash неизвестен).
func (d *Discoverer) recordEntity(ctx context.Context, session string, ent telegram.Entity, depth int, invite bool, parent int64) error {
	now := time.Now().UTC()
	priority := d.score(ctx, ent, depth, invite)
	return d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := sqlite.UpsertEntityTx(ctx, tx, sqlite.Entity{
			ID:          ent.ID,
			Title:       ent.Title,
			Kind:        ent.Kind,
			Username:    ent.Username,
			FirstSeenAt: now,
			LastSeenAt:  now,
			Depth:       depth,
			Priority:    priority,
		}); err != nil {
			return err
		}
		if session != "" && ent.AccessHash != 0 {
			if err := sqlite.UpsertAccessRecordTx(ctx, tx, sqlite.AccessRecord{
				SessionName: session,
				EntityID:    ent.ID,
				AccessHash:  ent.AccessHash,
				LastSeenAt:  now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// recordEdge фиксирует ребро графа отдельной транзакцией.
func (d *Discoverer) recordEdge(ctx context.Context, source, target int64, context_ string) {
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		return sqlite.InsertEdgeTx(ctx, tx, sqlite.Edge{
			SourceID:   source,
			TargetID:   target,
			Context:    context_,
			ObservedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		logger.Errorf("discover: record edge %d→%d: %v", source, target, err)
	}
}

// score считает приоритет сущности по весам обхода.
func (d *Discoverer) score(ctx context.Context, ent telegram.Entity, depth int, invite bool) float64 {
	inbound, err := d.store.InboundEdgeCount(ctx, ent.ID)
	if err != nil {
		inbound = 0
	}
	s := weightInbound*float64(inbound) + weightDepth*float64(depth)
	if invite {
		s += weightInvite
	}
	title := strings.ToLower(ent.Title)
	for _, kw := range d.cfg.Keywords {
		if kw != "" && strings.Contains(title, strings.ToLower(kw)) {
			s += weightKeyword
			break
		}
	}
	return s
}

// priorityOf — сохранённый приоритет для сортировки фронтира.
func (d *Discoverer) priorityOf(ctx context.Context, ent telegram.Entity, depth int) float64 {
	row, err := d.store.GetEntity(ctx, ent.ID)
	if err != nil {
		return weightDepth * float64(depth)
	}
	return row.Priority
}

// resolve разрешает ссылку под контролем губернатора.
func (d *Discoverer) resolve(ctx context.Context, client telegram.Client, session string, target string) (telegram.Entity, error) {
	var ent telegram.Entity
	err := d.gov.Do(ctx, session, governor.OpDiscovery, func() error {
		var rerr error
		ent, rerr = client.Resolve(ctx, target)
		return rerr
	})
	return ent, err
}

// noteAccountHealth отражает серверные сигналы в реестре аккаунтов.
func (d *Discoverer) noteAccountHealth(ctx context.Context, lease *registry.Lease, err error) {
	if delay, ok := telegram.FloodWaitExtractor()(err); ok {
		if rerr := lease.RecordFloodWait(ctx, delay); rerr != nil {
			logger.Errorf("discover: record flood wait: %v", rerr)
		}
	}
}

// extractRefs достаёт ссылки на сущности из одного сообщения.
func extractRefs(msg telegram.Message) []ref {
	var out []ref

	if msg.FwdFrom != nil && msg.FwdFrom.FromID != 0 {
		out = append(out, ref{
			fwdID:   msg.FwdFrom.FromID,
			fwdName: msg.FwdFrom.FromTitle,
			context: "forward-header",
		})
	}

	for _, m := range tmeLinkRe.FindAllStringSubmatch(msg.Text, -1) {
		invite := m[1] != ""
		target := "t.me/" + m[1] + m[2]
		if !invite {
			target = "@" + m[2]
		}
		out = append(out, ref{target: target, context: "link", invite: invite})
	}

	for _, m := range usernameRe.FindAllStringSubmatch(msg.Text, -1) {
		out = append(out, ref{target: "@" + m[1], context: "username"})
	}

	// Сущности разметки добавляют то, чего нет в сыром тексте (text-url).
	for _, e := range msg.Entities {
		if e.Type != "text-url" {
			continue
		}
		for _, m := range tmeLinkRe.FindAllStringSubmatch(e.Value, -1) {
			invite := m[1] != ""
			target := "t.me/" + m[1] + m[2]
			if !invite {
				target = "@" + m[2]
			}
			out = append(out, ref{target: target, context: "link", invite: invite})
		}
	}
	return out
}
