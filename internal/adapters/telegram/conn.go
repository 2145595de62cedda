// Conn — gotd-подключение одного аккаунта, реализующее фасад Client.
// Держит MTProto-соединение в фоновой горутине client.Run, персистентный кэш
// пиров на bbolt и транслирует ошибки Telegram API в виды errkind. Авторизация
// только по существующей сессии: интерактивного входа у движка нет, отсутствие
// авторизации — ошибка вида Auth.

package telegram

import (
	"context"
	"io"
	mathrand "math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"spectra/internal/domain/errkind"
	"spectra/internal/domain/fingerprint"
	"spectra/internal/domain/registry"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/sqlite"
	"spectra/internal/infra/storage"
)

const (
	peerCacheMode    = 0o600
	peerCacheTimeout = time.Second
	connectTimeout   = 30 * time.Second
)

var peersBucket = []byte("peers")

// Conn — живое подключение одного аккаунта. Оперативный peers.Manager держит
// пиров в памяти; персистентный кэш на bbolt переживает рестарт и прогружается
// в менеджер при подключении.
type Conn struct {
	session string
	client  *telegram.Client
	api     *tg.Client
	peers   *peers.Manager
	store   contribstorage.PeerStorage
	db      *bbolt.DB

	selfID int64

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// NewConn собирает клиент gotd для учётных данных cred. Сессия хранится в
// файловом хранилище реестра; peerCacheDir — каталог bbolt-кэшей пиров.
func NewConn(cred *registry.Credential, proxyCfg config.ProxyConfig, peerCacheDir string) (*Conn, error) {
	dial, err := NewDialer(proxyCfg)
	if err != nil {
		return nil, err
	}

	cachePath := filepath.Join(peerCacheDir, cred.SessionName+".peers.db")
	if err := storage.EnsureDir(cachePath); err != nil {
		return nil, errkind.Wrap(errkind.Storage, err)
	}
	db, err := bbolt.Open(cachePath, peerCacheMode, &bbolt.Options{Timeout: peerCacheTimeout})
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, errors.Wrap(err, "open peer cache"))
	}

	hash := cred.APIHash.Reveal()
	if hash == nil {
		_ = db.Close()
		return nil, errkind.Newf(errkind.Auth, "account %s: api hash destroyed", cred.SessionName)
	}

	client := telegram.NewClient(cred.APIID, string(hash), telegram.Options{
		SessionStorage: cred.Session,
		Resolver:       dcs.Plain(dcs.PlainOptions{Dial: dcs.DialFunc(dial)}),
		Middlewares: []telegram.Middleware{
			floodwait.NewSimpleWaiter(),
			// Страховочный лимитер поверх губернатора: ровный фон запросов.
			ratelimit.New(rate.Every(100*time.Millisecond), 5),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:    "PC 64bit",
			SystemVersion:  "Linux",
			AppVersion:     "1.0.0",
			LangCode:       "en",
			SystemLangCode: "en",
		},
	})

	api := client.API()

	return &Conn{
		session: cred.SessionName,
		client:  client,
		api:     api,
		peers:   (peers.Options{}).Build(api),
		store:   boltstor.NewPeerStorage(db, peersBucket),
		db:      db,
	}, nil
}

// Connect поднимает MTProto-соединение и проверяет авторизацию сессии.
// Блокирует до готовности или ошибки.
func (c *Conn) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	ready := make(chan error, 1)

	go func() {
		defer close(c.done)
		c.runErr = c.client.Run(runCtx, func(ctx context.Context) error {
			status, err := c.client.Auth().Status(ctx)
			if err != nil {
				ready <- errkind.Wrap(errkind.NetworkTimeout, err)
				return err
			}
			if !status.Authorized {
				err := errkind.Newf(errkind.Auth, "account %s: session is not authorized", c.session)
				ready <- err
				return err
			}
			self, err := c.client.Self(ctx)
			if err != nil {
				ready <- classify(err)
				return err
			}
			c.selfID = self.ID
			if err := c.loadPeerCache(ctx); err != nil {
				logger.Warnf("telegram: account %s: load peer cache: %v", c.session, err)
			}
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case err := <-ready:
		if err != nil {
			c.Close()
			return err
		}
		logger.Infof("telegram: account %s connected", c.session)
		return nil
	case <-c.done:
		_ = c.db.Close()
		return errkind.Wrap(errkind.NetworkTimeout, c.runErr)
	case <-time.After(connectTimeout):
		c.Close()
		return errkind.Newf(errkind.NetworkTimeout, "account %s: connect timed out", c.session)
	}
}

// Close завершает соединение и закрывает кэш пиров. Идемпотентен.
func (c *Conn) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	_ = c.db.Close()
}

// loadPeerCache прогружает сохранённых пиров из bbolt в оперативный менеджер.
// Для записей без полной сущности достаточно заглушки с id и access hash.
func (c *Conn) loadPeerCache(ctx context.Context) error {
	var exists bool
	if err := c.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucket) != nil
		return nil
	}); err != nil {
		return err
	}
	if !exists {
		return nil
	}

	iter, err := c.store.Iterate(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()

	var users []tg.UserClass
	var chats []tg.ChatClass
	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			chats = append(chats, channel)
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return c.peers.Apply(ctx, users, chats)
}

// applyPeers кладёт сущности ответа API в оперативный менеджер и в
// персистентный кэш. Ошибки кэша не фатальны для вызова.
func (c *Conn) applyPeers(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) {
	if err := c.peers.Apply(ctx, users, chats); err != nil {
		logger.Debugf("telegram: peer manager apply: %v", err)
	}
	for _, u := range users {
		var p contribstorage.Peer
		if !p.FromUser(u) {
			continue
		}
		if err := c.store.Add(ctx, p); err != nil {
			logger.Debugf("telegram: peer cache add: %v", err)
		}
	}
	for _, ch := range chats {
		var p contribstorage.Peer
		if !p.FromChat(ch) {
			continue
		}
		if err := c.store.Add(ctx, p); err != nil {
			logger.Debugf("telegram: peer cache add: %v", err)
		}
	}
}

// Self возвращает сущность Saved Messages аккаунта.
func (c *Conn) Self(ctx context.Context) (Entity, error) {
	self, err := c.client.Self(ctx)
	if err != nil {
		return Entity{}, classify(err)
	}
	return Entity{
		ID:       self.ID,
		Kind:     sqlite.EntityChat,
		Title:    "Saved Messages",
		Username: self.Username,
	}, nil
}

// Resolve разрешает @username или ссылку t.me в сущность.
func (c *Conn) Resolve(ctx context.Context, ref string) (Entity, error) {
	username, invite := normalizeRef(ref)
	if invite != "" {
		return c.resolveInvite(ctx, invite)
	}
	if username == "" {
		return Entity{}, errkind.Newf(errkind.EntityAccess, "unresolvable reference %q", ref)
	}

	res, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return Entity{}, classify(err)
	}
	c.applyPeers(ctx, res.Users, res.Chats)
	for _, chat := range res.Chats {
		if e, ok := entityFromChat(chat); ok {
			return e, nil
		}
	}
	return Entity{}, errkind.Newf(errkind.EntityAccess, "reference %q is not a channel or group", ref)
}

// resolveInvite проверяет инвайт-ссылку без вступления.
func (c *Conn) resolveInvite(ctx context.Context, hash string) (Entity, error) {
	res, err := c.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return Entity{}, classify(err)
	}
	switch v := res.(type) {
	case *tg.ChatInviteAlready:
		if e, ok := entityFromChat(v.Chat); ok {
			return e, nil
		}
	case *tg.ChatInvitePeek:
		if e, ok := entityFromChat(v.Chat); ok {
			return e, nil
		}
	case *tg.ChatInvite:
		// Ещё не участник: сущность известна только по заголовку, без id.
		return Entity{}, errkind.Newf(errkind.EntityAccess, "invite %q requires joining first", hash)
	}
	return Entity{}, errkind.Newf(errkind.EntityAccess, "invite %q did not resolve", hash)
}

// History возвращает до limit сообщений с id строго больше fromID, по
// возрастанию. Смещение AddOffset = -limit относительно fromID даёт окно
// (fromID, fromID+limit] без отдельного запроса за общим количеством.
func (c *Conn) History(ctx context.Context, entity Entity, fromID int64, limit int) ([]Message, error) {
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      c.inputPeer(entity),
		OffsetID:  int(fromID),
		AddOffset: -limit,
		Limit:     limit,
	})
	if err != nil {
		return nil, classify(err)
	}

	raw, users, chats, err := splitHistory(res)
	if err != nil {
		return nil, err
	}
	c.applyPeers(ctx, users, chats)

	senders := senderIndex(users)
	titles := titleIndex(chats)

	out := make([]Message, 0, len(raw))
	// API отдаёт сообщения по убыванию id; разворачиваем и отсекаем хвост ниже курсора.
	for i := len(raw) - 1; i >= 0; i-- {
		m, ok := convertMessage(raw[i], senders, titles)
		if !ok || m.ID <= fromID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Forward пересылает сообщения с сохранением происхождения.
func (c *Conn) Forward(ctx context.Context, src, dst Entity, ids []int64) error {
	intIDs := make([]int, len(ids))
	randomIDs := make([]int64, len(ids))
	for i, id := range ids {
		intIDs[i] = int(id)
		randomIDs[i] = mathrand.Int64() // #nosec G404
	}
	_, err := c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: c.inputPeer(src),
		ID:       intIDs,
		ToPeer:   c.inputPeer(dst),
		RandomID: randomIDs,
	})
	return classify(err)
}

// Copy переотправляет сообщение без заголовка пересылки. Медиа переиспользует
// серверный файл источника (без повторной загрузки).
func (c *Conn) Copy(ctx context.Context, src, dst Entity, msg Message, banner string) error {
	text := msg.Text
	if banner != "" {
		if text != "" {
			text = banner + "\n" + text
		} else {
			text = banner
		}
	}

	if msg.Media != nil && msg.Media.input != nil {
		_, err := c.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     c.inputPeer(dst),
			Media:    msg.Media.input,
			Message:  text,
			RandomID: mathrand.Int64(), // #nosec G404
		})
		return classify(err)
	}

	_, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     c.inputPeer(dst),
		Message:  text,
		RandomID: mathrand.Int64(), // #nosec G404
	})
	return classify(err)
}

// Download стримит содержимое медиавложения в w и возвращает число байт.
func (c *Conn) Download(ctx context.Context, _ Entity, msg Message, w io.Writer) (int64, error) {
	if msg.Media == nil || msg.Media.location == nil {
		return 0, errkind.Newf(errkind.Protocol, "message %d has no downloadable media", msg.ID)
	}
	cw := &countingWriter{w: w}
	_, err := downloader.NewDownloader().Download(c.api, msg.Media.location).Stream(ctx, cw)
	if err != nil {
		return cw.n, classify(err)
	}
	return cw.n, nil
}

// Avatar стримит текущую аватарку сущности в w и возвращает число байт.
func (c *Conn) Avatar(ctx context.Context, entity Entity, w io.Writer) (int64, error) {
	if entity.PhotoID == 0 {
		return 0, errkind.Newf(errkind.Protocol, "entity %d has no avatar", entity.ID)
	}
	loc := &tg.InputPeerPhotoFileLocation{
		Big:     true,
		Peer:    c.inputPeer(entity),
		PhotoID: entity.PhotoID,
	}
	cw := &countingWriter{w: w}
	if _, err := downloader.NewDownloader().Download(c.api, loc).Stream(ctx, cw); err != nil {
		return cw.n, classify(err)
	}
	return cw.n, nil
}

// Join вступает в канал или супергруппу.
func (c *Conn) Join(ctx context.Context, entity Entity) error {
	_, err := c.api.ChannelsJoinChannel(ctx, &tg.InputChannel{
		ChannelID:  entity.ID,
		AccessHash: entity.AccessHash,
	})
	return classify(err)
}

// inputPeer строит InputPeer для сущности; собственный id — Saved Messages.
func (c *Conn) inputPeer(e Entity) tg.InputPeerClass {
	if e.ID == c.selfID {
		return &tg.InputPeerSelf{}
	}
	if e.Kind == sqlite.EntityChat {
		return &tg.InputPeerChat{ChatID: e.ID}
	}
	return &tg.InputPeerChannel{ChannelID: e.ID, AccessHash: e.AccessHash}
}

// countingWriter считает байты, прошедшие во вложенный writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// normalizeRef разбирает пользовательскую ссылку: возвращает username либо
// хеш инвайта (для t.me/+hash и t.me/joinchat/hash).
func normalizeRef(ref string) (username, invite string) {
	s := strings.TrimSpace(ref)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
			break
		}
	}
	switch {
	case strings.HasPrefix(s, "+"):
		return "", strings.TrimPrefix(s, "+")
	case strings.HasPrefix(s, "joinchat/"):
		return "", strings.TrimPrefix(s, "joinchat/")
	case strings.HasPrefix(s, "@"):
		return strings.TrimPrefix(s, "@"), ""
	default:
		return s, ""
	}
}

// entityFromChat переводит tg.ChatClass в модель движка.
func entityFromChat(chat tg.ChatClass) (Entity, bool) {
	switch v := chat.(type) {
	case *tg.Channel:
		kind := sqlite.EntityChannel
		if v.Megagroup {
			kind = sqlite.EntitySupergroup
		}
		e := Entity{
			ID:         v.ID,
			AccessHash: v.AccessHash,
			Kind:       kind,
			Title:      v.Title,
			Username:   v.Username,
		}
		if p, ok := v.Photo.(*tg.ChatPhoto); ok {
			e.PhotoID = p.PhotoID
		}
		return e, true
	case *tg.Chat:
		e := Entity{ID: v.ID, Kind: sqlite.EntityChat, Title: v.Title}
		if p, ok := v.Photo.(*tg.ChatPhoto); ok {
			e.PhotoID = p.PhotoID
		}
		return e, true
	}
	return Entity{}, false
}

// splitHistory разбирает варианты ответа messages.getHistory.
func splitHistory(res tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass, []tg.ChatClass, error) {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages, v.Users, v.Chats, nil
	case *tg.MessagesMessagesSlice:
		return v.Messages, v.Users, v.Chats, nil
	case *tg.MessagesChannelMessages:
		return v.Messages, v.Users, v.Chats, nil
	default:
		return nil, nil, nil, errkind.Newf(errkind.Protocol, "unexpected history response %T", res)
	}
}

// senderIndex строит индекс отправителей по id.
func senderIndex(users []tg.UserClass) map[int64]*SenderInfo {
	out := make(map[int64]*SenderInfo, len(users))
	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		out[user.ID] = &SenderInfo{
			ID:        user.ID,
			Username:  user.Username,
			FirstName: user.FirstName,
			LastName:  user.LastName,
		}
	}
	return out
}

// titleIndex строит индекс заголовков каналов/чатов по id.
func titleIndex(chats []tg.ChatClass) map[int64]string {
	out := make(map[int64]string, len(chats))
	for _, ch := range chats {
		switch v := ch.(type) {
		case *tg.Channel:
			out[v.ID] = v.Title
		case *tg.Chat:
			out[v.ID] = v.Title
		}
	}
	return out
}

// convertMessage переводит tg.MessageClass в модель движка.
func convertMessage(raw tg.MessageClass, senders map[int64]*SenderInfo, titles map[int64]string) (Message, bool) {
	switch v := raw.(type) {
	case *tg.Message:
		m := Message{
			ID:   int64(v.ID),
			Date: time.Unix(int64(v.Date), 0).UTC(),
			Text: v.Message,
		}
		if v.EditDate != 0 {
			m.EditDate = time.Unix(int64(v.EditDate), 0).UTC()
		}
		if from, ok := v.GetFromID(); ok {
			if peer, ok := from.(*tg.PeerUser); ok {
				m.SenderID = peer.UserID
				m.Sender = senders[peer.UserID]
			}
		}
		if reply, ok := v.GetReplyTo(); ok {
			if h, ok := reply.(*tg.MessageReplyHeader); ok {
				m.ReplyTo = int64(h.ReplyToMsgID)
			}
		}
		if grouped, ok := v.GetGroupedID(); ok {
			m.GroupID = grouped
		}
		m.Entities = convertEntities(v.Message, v.Entities)
		if fwd, ok := v.GetFwdFrom(); ok {
			m.FwdFrom = convertForwardHeader(fwd, titles)
		}
		if media, ok := v.GetMedia(); ok {
			m.Media = convertMedia(media)
		}
		return m, true

	case *tg.MessageService:
		m := Message{
			ID:      int64(v.ID),
			Date:    time.Unix(int64(v.Date), 0).UTC(),
			Service: true,
		}
		if from, ok := v.GetFromID(); ok {
			if peer, ok := from.(*tg.PeerUser); ok {
				m.SenderID = peer.UserID
				m.Sender = senders[peer.UserID]
			}
		}
		return m, true
	}
	return Message{}, false
}

// convertEntities переводит сущности форматирования в канонические.
func convertEntities(text string, entities []tg.MessageEntityClass) []fingerprint.CaptionEntity {
	if len(entities) == 0 {
		return nil
	}
	runes := []rune(text)
	slice := func(off, length int) string {
		if off < 0 || off+length > len(runes) {
			return ""
		}
		return string(runes[off : off+length])
	}

	out := make([]fingerprint.CaptionEntity, 0, len(entities))
	for _, e := range entities {
		switch v := e.(type) {
		case *tg.MessageEntityURL:
			out = append(out, fingerprint.CaptionEntity{
				Type: "url", Offset: v.Offset, Length: v.Length, Value: slice(v.Offset, v.Length),
			})
		case *tg.MessageEntityTextURL:
			out = append(out, fingerprint.CaptionEntity{
				Type: "text-url", Offset: v.Offset, Length: v.Length, Value: v.URL,
			})
		case *tg.MessageEntityMention:
			out = append(out, fingerprint.CaptionEntity{
				Type: "mention", Offset: v.Offset, Length: v.Length, Value: slice(v.Offset, v.Length),
			})
		case *tg.MessageEntityHashtag:
			out = append(out, fingerprint.CaptionEntity{
				Type: "hashtag", Offset: v.Offset, Length: v.Length, Value: slice(v.Offset, v.Length),
			})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// convertForwardHeader извлекает источник пересылки.
func convertForwardHeader(fwd tg.MessageFwdHeader, titles map[int64]string) *ForwardHeader {
	h := &ForwardHeader{FromTitle: fwd.FromName}
	if from, ok := fwd.GetFromID(); ok {
		switch peer := from.(type) {
		case *tg.PeerChannel:
			h.FromID = peer.ChannelID
			if title, ok := titles[peer.ChannelID]; ok && h.FromTitle == "" {
				h.FromTitle = title
			}
		case *tg.PeerChat:
			h.FromID = peer.ChatID
			if title, ok := titles[peer.ChatID]; ok && h.FromTitle == "" {
				h.FromTitle = title
			}
		case *tg.PeerUser:
			h.FromID = peer.UserID
		}
	}
	if h.FromID == 0 && h.FromTitle == "" {
		return nil
	}
	return h
}

// convertMedia извлекает метаданные вложения вместе с серверными ссылками
// для скачивания и копирования.
func convertMedia(media tg.MessageMediaClass) *Media {
	switch v := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := v.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		m := &Media{Mime: "image/jpeg"}
		if thumb := largestPhotoSize(photo); thumb != "" {
			m.location = &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
			}
		}
		m.input = &tg.InputMediaPhoto{ID: &tg.InputPhoto{
			ID: photo.ID, AccessHash: photo.AccessHash, FileReference: photo.FileReference,
		}}
		return m

	case *tg.MessageMediaDocument:
		doc, ok := v.Document.(*tg.Document)
		if !ok {
			return nil
		}
		m := &Media{Mime: doc.MimeType, Size: doc.Size}
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				m.Filename = fn.FileName
			}
		}
		m.location = &tg.InputDocumentFileLocation{
			ID: doc.ID, AccessHash: doc.AccessHash, FileReference: doc.FileReference,
		}
		m.input = &tg.InputMediaDocument{ID: &tg.InputDocument{
			ID: doc.ID, AccessHash: doc.AccessHash, FileReference: doc.FileReference,
		}}
		return m
	}
	return nil
}

// largestPhotoSize возвращает тип самого крупного доступного размера фото.
func largestPhotoSize(photo *tg.Photo) string {
	best := ""
	bestArea := 0
	for _, s := range photo.Sizes {
		if sz, ok := s.(*tg.PhotoSize); ok {
			if area := sz.W * sz.H; area > bestArea {
				bestArea = area
				best = sz.Type
			}
		}
	}
	return best
}

// classify переводит ошибку Telegram API в вид errkind. FLOOD_WAIT остаётся
// как есть: его распознаёт экстрактор губернатора.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := tgerr.AsFloodWait(err); ok {
		return err
	}
	switch {
	case tgerr.Is(err, "CHANNEL_PRIVATE", "CHANNEL_INVALID", "CHAT_FORBIDDEN",
		"USER_BANNED_IN_CHANNEL", "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID",
		"INVITE_HASH_EXPIRED", "INVITE_HASH_INVALID", "PEER_ID_INVALID"):
		return errkind.Wrap(errkind.EntityAccess, err)
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED",
		"USER_DEACTIVATED", "USER_DEACTIVATED_BAN", "PHONE_NUMBER_BANNED"):
		return errkind.Wrap(errkind.Auth, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errkind.Wrap(errkind.NetworkTimeout, err)
	case errors.Is(err, context.Canceled):
		return errkind.Wrap(errkind.Cancelled, err)
	}
	return err
}
