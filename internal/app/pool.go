// Пул MTProto-подключений: по одному живому подключению на аккаунт,
// создаваемому лениво при первом обращении конвейера. Транспорт аккаунта
// определяется привязанной к нему строкой прокси; через эксклюзивный прокси
// рукопожатия идут строго по одному.

package app

import (
	"context"
	"sync"

	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/registry"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/sqlite"
)

// connPool реализует Connector конвейеров поверх gotd-подключений.
type connPool struct {
	reg      *registry.Registry
	store    *sqlite.Store
	proxy    config.ProxyConfig
	cacheDir string

	mu    sync.Mutex
	conns map[string]*telegram.Conn
	locks map[int64]*sync.Mutex // сериализация Connect по id эксклюзивного прокси
}

func newConnPool(reg *registry.Registry, store *sqlite.Store, proxy config.ProxyConfig, cacheDir string) *connPool {
	return &connPool{
		reg:      reg,
		store:    store,
		proxy:    proxy,
		cacheDir: cacheDir,
		conns:    make(map[string]*telegram.Conn),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// Client возвращает подключённый клиент сессии, создавая подключение при
// первом обращении. Подключение переживает задание и переиспользуется.
func (p *connPool) Client(ctx context.Context, session string) (telegram.Client, error) {
	p.mu.Lock()
	if conn, ok := p.conns[session]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	cred, err := p.reg.Credential(session)
	if err != nil {
		return nil, err
	}
	proxyCfg, exclusive, err := p.accountProxy(ctx, cred)
	if err != nil {
		return nil, err
	}
	conn, err := telegram.NewConn(cred, proxyCfg, p.cacheDir)
	if err != nil {
		return nil, err
	}
	if err := p.connect(ctx, conn, cred.ProxyID, exclusive); err != nil {
		conn.Close()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[session]; ok {
		// Гонка двух воркеров: оставляем первое подключение.
		go conn.Close()
		return existing, nil
	}
	p.conns[session] = conn
	logger.Infof("pool: account %s connected", session)
	return conn, nil
}

// accountProxy собирает транспортную конфигурацию аккаунта: привязанная строка
// прокси имеет приоритет над общей настройкой proxy из конфигурации.
func (p *connPool) accountProxy(ctx context.Context, cred *registry.Credential) (config.ProxyConfig, bool, error) {
	if cred.ProxyID == 0 {
		return p.proxy, false, nil
	}
	px, err := p.store.GetProxy(ctx, cred.ProxyID)
	if err != nil {
		return config.ProxyConfig{}, false, err
	}
	return config.ProxyConfig{
		Enabled:   px.Transport != "" && px.Transport != "direct",
		Type:      px.Transport,
		Host:      px.Host,
		Port:      px.Port,
		Username:  px.Username,
		Password:  px.Password,
		Rotation:  px.RotationGroup,
		Exclusive: px.Exclusive,
	}, px.Exclusive, nil
}

// connect выполняет рукопожатие; через эксклюзивный прокси — по одному.
func (p *connPool) connect(ctx context.Context, conn *telegram.Conn, proxyID int64, exclusive bool) error {
	if !exclusive {
		return conn.Connect(ctx)
	}
	l := p.proxyLock(proxyID)
	l.Lock()
	defer l.Unlock()
	return conn.Connect(ctx)
}

func (p *connPool) proxyLock(id int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// Close закрывает все подключения пула.
func (p *connPool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*telegram.Conn)
	p.mu.Unlock()
	for session, conn := range conns {
		conn.Close()
		logger.Infof("pool: account %s disconnected", session)
	}
}
