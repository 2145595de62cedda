// Типы фасада Telegram, которыми оперируют конвейеры. Конвейеры не видят
// gotd-типов: узкая модель (сущность, сообщение, медиа) упрощает подмену
// клиента в тестах и удерживает протокольные детали внутри адаптера.

package telegram

import (
	"context"
	"io"
	"time"

	"github.com/gotd/td/tg"

	"spectra/internal/domain/fingerprint"
	"spectra/internal/infra/sqlite"
)

// Entity — канал, супергруппа или чат, адресуемый парой (id, access hash).
type Entity struct {
	ID         int64
	AccessHash int64
	Kind       sqlite.EntityKind
	Title      string
	Username   string
	PhotoID    int64 // id текущей аватарки; 0 — аватарки нет
}

// ForwardHeader — заголовок пересылки исходного сообщения.
type ForwardHeader struct {
	FromID    int64
	FromTitle string
}

// Media — медиавложение сообщения. Серверные ссылки (location, input)
// заполняются gotd-подключением и не видны за пределами пакета.
type Media struct {
	Mime     string
	Size     int64
	Filename string

	location tg.InputFileLocationClass
	input    tg.InputMediaClass
}

// Message — одно сообщение истории в модели движка.
type Message struct {
	ID       int64
	Date     time.Time
	EditDate time.Time
	SenderID int64
	Sender   *SenderInfo
	Text     string
	Entities []fingerprint.CaptionEntity
	ReplyTo  int64
	Media    *Media
	FwdFrom  *ForwardHeader
	GroupID  int64 // идентификатор альбома; 0 — одиночное сообщение
	Service  bool
}

// SenderInfo — наблюдаемые данные отправителя.
type SenderInfo struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// Client — фасад операций Telegram, необходимых конвейерам. Реализуется
// gotd-подключением (Conn) и фейками в тестах.
type Client interface {
	// Self возвращает собственную сущность аккаунта (Saved Messages).
	Self(ctx context.Context) (Entity, error)
	// Resolve разрешает @username или ссылку t.me в сущность.
	Resolve(ctx context.Context, ref string) (Entity, error)
	// History возвращает до limit сообщений с id строго больше fromID,
	// по возрастанию id. Пустой срез — история исчерпана.
	History(ctx context.Context, entity Entity, fromID int64, limit int) ([]Message, error)
	// Forward пересылает сообщения с сохранением заголовка происхождения.
	Forward(ctx context.Context, src, dst Entity, ids []int64) error
	// Copy переотправляет сообщение без заголовка пересылки; banner
	// добавляется перед текстом (может быть пустым).
	Copy(ctx context.Context, src, dst Entity, msg Message, banner string) error
	// Download стримит содержимое медиавложения.
	Download(ctx context.Context, entity Entity, msg Message, w io.Writer) (int64, error)
	// Avatar стримит текущую аватарку сущности (jpeg).
	Avatar(ctx context.Context, entity Entity, w io.Writer) (int64, error)
	// Join вступает в канал или супергруппу.
	Join(ctx context.Context, entity Entity) error
}
