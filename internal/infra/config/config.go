// Пакет config отвечает за сбор и предоставление конфигурации всего движка.
// Он:
//  1. читает единый JSON-документ конфигурации,
//  2. подхватывает переменные окружения (TG_API_ID, TG_API_HASH) через godotenv,
//  3. нормализует и валидирует входные значения, подставляя дефолты,
//  4. накапливает предупреждения о неизвестных ключах внутри известных секций.
//
// Бизнес-контекст: конфиг описывает инвентарь аккаунтов и прокси, опции
// архивирования, пересылки, дедупликации и обхода, размеры пула воркеров и
// политику ротации аккаунтов. Неизвестные секции верхнего уровня игнорируются
// молча; неизвестные ключи внутри известной секции — предупреждение.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Значения по умолчанию для операционных параметров.
const (
	defaultBatchSize          = 200
	defaultMaxFileSizeMB      = 100
	defaultMaxWorkers         = 4
	defaultQueueBound         = 10000
	defaultBucketOps          = 30
	defaultBucketWindowSec    = 60
	defaultCooldownHours      = 6
	defaultMaxOpsPerAccount   = 500
	defaultFloodWaitMult      = 1.0
	defaultPHashDistance      = 6
	defaultFuzzySimilarity    = 85
	defaultInviteMinSeconds   = 120
	defaultInviteMaxSeconds   = 600
	defaultInviteVariance     = 0.3
	defaultGroupWindowSec     = 30
	defaultDiscoveryMessages  = 1000
	defaultDiscoveryDepth     = 2
	defaultDiscoveryPerLevel  = 50
	defaultMessageDelaySec    = 0.5
	defaultJoinDelaySec       = 2.0
	defaultMetaTimeoutSec     = 30
	defaultMediaTimeoutSec    = 300
	defaultAttemptCap         = 3
	defaultDBPath             = "data/spectra.db"
	defaultMediaDir           = "media"
	defaultLogLevel           = "info"
	defaultRotationMode       = "smart"
)

// AccountConfig — учётные данные одного аккаунта Telegram.
type AccountConfig struct {
	APIID       int    `json:"api_id"`
	APIHash     string `json:"api_hash"`
	SessionName string `json:"session_name"`
	PhoneNumber string `json:"phone_number"`
	Password    string `json:"password"`
}

// ProxyConfig — прокси по умолчанию для всех аккаунтов.
type ProxyConfig struct {
	Enabled   bool   `json:"enabled"`
	Type      string `json:"type"` // direct | socks5 | http
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Rotation  string `json:"rotation"`  // тег группы ротации
	Exclusive bool   `json:"exclusive"` // рукопожатия через прокси по одному
}

// ArchiveConfig — опции архивного конвейера.
type ArchiveConfig struct {
	DownloadMedia   bool     `json:"download_media"`
	DownloadAvatars bool     `json:"download_avatars"`
	ArchiveTopics   bool     `json:"archive_topics"`
	MaxFileSizeMB   int      `json:"max_file_size_mb"`
	MediaTypes      []string `json:"media_types"`
	BatchSize       int      `json:"batch_size"`
	MediaDir        string   `json:"media_dir"`
}

// InvitationDelays — границы пауз между приглашениями аккаунтов.
type InvitationDelays struct {
	MinSeconds int     `json:"min_seconds"`
	MaxSeconds int     `json:"max_seconds"`
	Variance   float64 `json:"variance"`
}

// GroupingConfig — группировка связанных сообщений перед дедупликацией:
// группа пересылается и получает отпечаток как единое целое.
type GroupingConfig struct {
	Strategy      string `json:"strategy"` // none | filename | time
	WindowSeconds int    `json:"window_seconds"`
}

// ForwardingConfig — опции пересылочного конвейера.
type ForwardingConfig struct {
	EnableDeduplication         bool             `json:"enable_deduplication"`
	SecondaryUniqueDestination  int64            `json:"secondary_unique_destination"`
	AutoInviteAccounts          bool             `json:"auto_invite_accounts"`
	InvitationDelays            InvitationDelays `json:"invitation_delays"`
	ForwardToAllSaved           bool             `json:"forward_to_all_saved"`
	CopyIntoDestination         bool             `json:"copy_into_destination"`
	PrependOriginInfo           bool             `json:"prepend_origin_info"`
	Grouping                    GroupingConfig   `json:"grouping"`
	// Пороги near-dup допускаются и здесь для совместимости, но секция
	// deduplication имеет приоритет (см. resolveThresholds).
	FuzzyHashSimilarityThreshold    int `json:"fuzzy_hash_similarity_threshold"`
	PerceptualHashDistanceThreshold int `json:"perceptual_hash_distance_threshold"`
}

// DedupConfig — пороги точной и неточной дедупликации.
type DedupConfig struct {
	EnableNearDuplicates            bool `json:"enable_near_duplicates"`
	FuzzyHashSimilarityThreshold    int  `json:"fuzzy_hash_similarity_threshold"`
	PerceptualHashDistanceThreshold int  `json:"perceptual_hash_distance_threshold"`
}

// DiscoveryConfig — границы обхода графа каналов.
type DiscoveryConfig struct {
	MaxMessages    int      `json:"max_messages"`
	MaxDepth       int      `json:"max_depth"`
	MaxPerLevel    int      `json:"max_per_level"` // детей во фронтир с одной сущности
	IncludePrivate bool     `json:"include_private"`
	IncludePublic  bool     `json:"include_public"`
	Keywords       []string `json:"keywords"` // повышают приоритет совпавших заголовков
}

// RateLimitConfig — базовые паузы шедулера между операциями.
type RateLimitConfig struct {
	MessageDelaySeconds float64 `json:"message_delay_seconds"`
	JoinDelaySeconds    float64 `json:"join_delay_seconds"`
}

// ParallelConfig — размеры пула воркеров.
type ParallelConfig struct {
	Enabled    bool            `json:"enabled"`
	MaxWorkers int             `json:"max_workers"`
	RateLimit  RateLimitConfig `json:"rate_limit"`
}

// RotationConfig — политика ротации аккаунтов.
type RotationConfig struct {
	Mode                    string  `json:"mode"` // round-robin | smart | pinned
	CooldownHours           int     `json:"cooldown_hours"`
	MaxOperationsPerAccount int     `json:"max_operations_per_account"`
	FloodWaitMultiplier     float64 `json:"flood_wait_multiplier"`
	PinnedSession           string  `json:"pinned_session"`
}

// DBConfig — расположение встроенной базы.
type DBConfig struct {
	Path string `json:"path"`
}

// LoggingConfig — уровень и необязательный файл логов.
type LoggingConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// Config — итоговая валидированная конфигурация движка.
// Значение неизменяемо после Load; предупреждения доступны через Warnings().
type Config struct {
	Accounts      []AccountConfig
	Proxy         ProxyConfig
	Archive       ArchiveConfig
	Forwarding    ForwardingConfig
	Deduplication DedupConfig
	Discovery     DiscoveryConfig
	Parallel      ParallelConfig
	Rotation      RotationConfig
	DB            DBConfig
	Logging       LoggingConfig

	DefaultForwardingDestinationID int64

	warnings []string
}

// Warnings возвращает копию накопленных предупреждений загрузки.
func (c *Config) Warnings() []string {
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// знание ключей секций выводится из json-тегов структур, чтобы список
// признанных ключей не расходился с реальными полями.
var sectionKeys = map[string][]string{
	"accounts":      nil, // массив, ключи проверяются поэлементно
	"proxy":         jsonKeys(ProxyConfig{}),
	"archive":       jsonKeys(ArchiveConfig{}),
	"forwarding":    jsonKeys(ForwardingConfig{}),
	"deduplication": jsonKeys(DedupConfig{}),
	"discovery":     jsonKeys(DiscoveryConfig{}),
	"parallel":      jsonKeys(ParallelConfig{}),
	"account_rotation": jsonKeys(RotationConfig{}),
	"db":            jsonKeys(DBConfig{}),
	"logging":       jsonKeys(LoggingConfig{}),
}

// Load читает конфигурацию из path. Перед разбором подхватывает .env (если есть):
// переменные TG_API_ID и TG_API_HASH имеют приоритет над значениями из файла.
// Ошибки разбора и отсутствие обязательных значений — фатальны.
func Load(path string) (*Config, error) {
	// .env не обязателен: отсутствие файла не является ошибкой.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}

	cfg := &Config{}
	cfg.applyDefaults()

	for section, payload := range raw {
		if err := cfg.applySection(section, payload); err != nil {
			return nil, errors.Wrapf(err, "config section %q", section)
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults выставляет дефолты до разбора секций, чтобы частично заданные
// секции не обнуляли остальные поля.
func (c *Config) applyDefaults() {
	c.Archive = ArchiveConfig{
		DownloadMedia: true,
		MaxFileSizeMB: defaultMaxFileSizeMB,
		BatchSize:     defaultBatchSize,
		MediaDir:      defaultMediaDir,
	}
	c.Forwarding = ForwardingConfig{
		EnableDeduplication: true,
		InvitationDelays: InvitationDelays{
			MinSeconds: defaultInviteMinSeconds,
			MaxSeconds: defaultInviteMaxSeconds,
			Variance:   defaultInviteVariance,
		},
	}
	c.Deduplication = DedupConfig{
		FuzzyHashSimilarityThreshold:    defaultFuzzySimilarity,
		PerceptualHashDistanceThreshold: defaultPHashDistance,
	}
	c.Discovery = DiscoveryConfig{
		MaxMessages:   defaultDiscoveryMessages,
		MaxDepth:      defaultDiscoveryDepth,
		MaxPerLevel:   defaultDiscoveryPerLevel,
		IncludePublic: true,
	}
	c.Parallel = ParallelConfig{
		Enabled:    true,
		MaxWorkers: defaultMaxWorkers,
		RateLimit: RateLimitConfig{
			MessageDelaySeconds: defaultMessageDelaySec,
			JoinDelaySeconds:    defaultJoinDelaySec,
		},
	}
	c.Rotation = RotationConfig{
		Mode:                    defaultRotationMode,
		CooldownHours:           defaultCooldownHours,
		MaxOperationsPerAccount: defaultMaxOpsPerAccount,
		FloodWaitMultiplier:     defaultFloodWaitMult,
	}
	c.DB = DBConfig{Path: defaultDBPath}
	c.Logging = LoggingConfig{Level: defaultLogLevel}
}

// applySection разбирает одну известную секцию и отмечает неизвестные ключи.
// Неизвестные секции верхнего уровня молча игнорируются.
func (c *Config) applySection(section string, payload json.RawMessage) error {
	allowed, known := sectionKeys[section]
	if !known && section != "default_forwarding_destination_id" {
		return nil
	}

	switch section {
	case "accounts":
		if err := json.Unmarshal(payload, &c.Accounts); err != nil {
			return err
		}
		c.warnUnknownArrayKeys(section, payload, jsonKeys(AccountConfig{}))
		return nil
	case "proxy":
		c.warnUnknownKeys(section, payload, allowed)
		return json.Unmarshal(payload, &c.Proxy)
	case "archive":
		c.warnUnknownKeys(section, payload, allowed)
		return json.Unmarshal(payload, &c.Archive)
	case "forwarding":
		c.warnUnknownKeys(section, payload, allowed)
		return json.Unmarshal(payload, &c.Forwarding)
	case "deduplication":
		c.warnUnknownKeys(section, payload, allowed)
		return json.Unmarshal(payload, &c.Deduplication)
	case "discovery":
		c.warnUnknownKeys(section, payload, allowed)
		return json.Unmarshal(payload, &c.Discovery)
	case "parallel":
		c.warnUnknownKeys(section, payload, allowed)
		return json.Unmarshal(payload, &c.Parallel)
	case "account_rotation":
		c.warnUnknownKeys(section, payload, allowed)
		return json.Unmarshal(payload, &c.Rotation)
	case "db":
		c.warnUnknownKeys(section, payload, allowed)
		return json.Unmarshal(payload, &c.DB)
	case "logging":
		c.warnUnknownKeys(section, payload, allowed)
		return json.Unmarshal(payload, &c.Logging)
	case "default_forwarding_destination_id":
		return json.Unmarshal(payload, &c.DefaultForwardingDestinationID)
	}
	return nil
}

// applyEnvOverrides подставляет TG_API_ID / TG_API_HASH во все аккаунты.
// Переменные окружения имеют приоритет над файлом.
func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("TG_API_ID")); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			for i := range c.Accounts {
				c.Accounts[i].APIID = id
			}
		} else {
			c.warnf("env TG_API_ID value %q is not a valid integer; ignored", v)
		}
	}
	if v := strings.TrimSpace(os.Getenv("TG_API_HASH")); v != "" {
		for i := range c.Accounts {
			c.Accounts[i].APIHash = v
		}
	}
}

// normalize лечит значения, для которых есть осмысленный дефолт, с предупреждением.
func (c *Config) normalize() {
	if c.Archive.BatchSize <= 0 {
		c.warnf("archive.batch_size must be positive; using default %d", defaultBatchSize)
		c.Archive.BatchSize = defaultBatchSize
	}
	if c.Archive.MaxFileSizeMB <= 0 {
		c.warnf("archive.max_file_size_mb must be positive; using default %d", defaultMaxFileSizeMB)
		c.Archive.MaxFileSizeMB = defaultMaxFileSizeMB
	}
	if strings.TrimSpace(c.Archive.MediaDir) == "" {
		c.Archive.MediaDir = defaultMediaDir
	}

	c.normalizeDedup()
	c.normalizeInvitations()
	c.normalizeGrouping()

	if c.Parallel.MaxWorkers <= 0 {
		c.warnf("parallel.max_workers must be positive; using default %d", defaultMaxWorkers)
		c.Parallel.MaxWorkers = defaultMaxWorkers
	}
	if c.Discovery.MaxMessages <= 0 {
		c.Discovery.MaxMessages = defaultDiscoveryMessages
	}
	if c.Discovery.MaxDepth < 0 {
		c.Discovery.MaxDepth = defaultDiscoveryDepth
	}
	if c.Discovery.MaxPerLevel <= 0 {
		c.Discovery.MaxPerLevel = defaultDiscoveryPerLevel
	}

	switch c.Rotation.Mode {
	case "round-robin", "smart", "pinned":
	default:
		c.warnf("account_rotation.mode %q is invalid; using default %q", c.Rotation.Mode, defaultRotationMode)
		c.Rotation.Mode = defaultRotationMode
	}
	if c.Rotation.CooldownHours <= 0 {
		c.Rotation.CooldownHours = defaultCooldownHours
	}
	if c.Rotation.MaxOperationsPerAccount <= 0 {
		c.Rotation.MaxOperationsPerAccount = defaultMaxOpsPerAccount
	}
	if c.Rotation.FloodWaitMultiplier <= 0 {
		c.Rotation.FloodWaitMultiplier = defaultFloodWaitMult
	}

	if strings.TrimSpace(c.DB.Path) == "" {
		c.DB.Path = defaultDBPath
	}
	c.Logging.Level = sanitizeLogLevel(c.Logging.Level, defaultLogLevel, &c.warnings)
}

// normalizeDedup сводит пороги near-dup к единому источнику истины.
// Секция deduplication имеет приоритет; конфликтующее значение в forwarding
// порождает предупреждение и игнорируется.
func (c *Config) normalizeDedup() {
	if c.Deduplication.FuzzyHashSimilarityThreshold <= 0 || c.Deduplication.FuzzyHashSimilarityThreshold > 100 {
		c.Deduplication.FuzzyHashSimilarityThreshold = defaultFuzzySimilarity
	}
	if c.Deduplication.PerceptualHashDistanceThreshold < 0 || c.Deduplication.PerceptualHashDistanceThreshold > 64 {
		c.Deduplication.PerceptualHashDistanceThreshold = defaultPHashDistance
	}

	if c.Forwarding.FuzzyHashSimilarityThreshold > 0 &&
		c.Forwarding.FuzzyHashSimilarityThreshold != c.Deduplication.FuzzyHashSimilarityThreshold {
		c.warnf("forwarding.fuzzy_hash_similarity_threshold conflicts with deduplication section; deduplication wins")
	}
	if c.Forwarding.PerceptualHashDistanceThreshold > 0 &&
		c.Forwarding.PerceptualHashDistanceThreshold != c.Deduplication.PerceptualHashDistanceThreshold {
		c.warnf("forwarding.perceptual_hash_distance_threshold conflicts with deduplication section; deduplication wins")
	}
}

// normalizeGrouping проверяет стратегию группировки пересылки.
func (c *Config) normalizeGrouping() {
	g := &c.Forwarding.Grouping
	switch g.Strategy {
	case "", "none", "filename", "time":
	default:
		c.warnf("forwarding.grouping.strategy %q is invalid; grouping disabled", g.Strategy)
		g.Strategy = "none"
	}
	if g.Strategy == "time" && g.WindowSeconds <= 0 {
		g.WindowSeconds = defaultGroupWindowSec
	}
}

// normalizeInvitations проверяет границы пауз приглашений.
func (c *Config) normalizeInvitations() {
	d := &c.Forwarding.InvitationDelays
	if d.MinSeconds <= 0 {
		d.MinSeconds = defaultInviteMinSeconds
	}
	if d.MaxSeconds < d.MinSeconds {
		c.warnf("forwarding.invitation_delays.max_seconds < min_seconds; using defaults")
		d.MinSeconds = defaultInviteMinSeconds
		d.MaxSeconds = defaultInviteMaxSeconds
	}
	if d.Variance <= 0 || d.Variance >= 1 {
		d.Variance = defaultInviteVariance
	}
}

// validate проверяет обязательные значения, без которых движок не стартует.
func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return errors.New("config: accounts list is empty")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.APIID <= 0 {
			return errors.Errorf("config: accounts[%d]: api_id must be set", i)
		}
		if strings.TrimSpace(acc.APIHash) == "" {
			return errors.Errorf("config: accounts[%d]: api_hash must be set", i)
		}
		name := strings.TrimSpace(acc.SessionName)
		if name == "" {
			return errors.Errorf("config: accounts[%d]: session_name must be set", i)
		}
		if _, dup := seen[name]; dup {
			return errors.Errorf("config: duplicate session_name %q", name)
		}
		seen[name] = struct{}{}
	}

	if c.Proxy.Enabled {
		switch c.Proxy.Type {
		case "socks5", "http":
			if c.Proxy.Host == "" || c.Proxy.Port <= 0 {
				return errors.New("config: proxy enabled but host/port missing")
			}
		case "direct", "":
		default:
			return errors.Errorf("config: proxy.type %q is not supported", c.Proxy.Type)
		}
	}
	return nil
}

// warnUnknownKeys сравнивает ключи секции со списком признанных и пишет
// предупреждение по каждому лишнему.
func (c *Config) warnUnknownKeys(section string, payload json.RawMessage, allowed []string) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return // структурная ошибка всплывёт при типизированном разборе
	}
	set := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		set[k] = struct{}{}
	}
	for key := range m {
		if _, ok := set[key]; !ok {
			c.warnf("section %q: unknown key %q ignored", section, key)
		}
	}
}

// warnUnknownArrayKeys — то же для массивов объектов (accounts).
func (c *Config) warnUnknownArrayKeys(section string, payload json.RawMessage, allowed []string) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return
	}
	set := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		set[k] = struct{}{}
	}
	for i, item := range items {
		for key := range item {
			if _, ok := set[key]; !ok {
				c.warnf("section %q[%d]: unknown key %q ignored", section, i, key)
			}
		}
	}
}

func (c *Config) warnf(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения
// набором {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		*warnings = append(*warnings, fmt.Sprintf("logging.level %q is invalid; using default %q", level, defaultVal))
		return defaultVal
	}
}

// jsonKeys извлекает имена json-тегов из структуры.
func jsonKeys(v any) []string {
	t := reflect.TypeOf(v)
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		keys = append(keys, strings.Split(tag, ",")[0])
	}
	return keys
}
