// Экстрактор серверных пауз для губернатора. Преобразует ошибки FLOOD_WAIT и
// FLOOD_PREMIUM_WAIT из Telegram API в длительность паузы со случайным
// джиттером, чтобы разнести повторы разных воркеров.

package telegram

import (
	"math/rand/v2"
	"time"

	"github.com/gotd/td/tgerr"

	"spectra/internal/domain/governor"
)

// floodWaitJitterMax — верхняя граница добавки к обязательной паузе.
const floodWaitJitterMax = 3 * time.Second

// FloodWaitExtractor создаёт governor.WaitExtractor поверх tgerr.AsFloodWait.
func FloodWaitExtractor() governor.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return 0, false
		}
		return wait + nextFloodWaitJitter(), true
	}
}

// nextFloodWaitJitter — случайная добавка из [0, floodWaitJitterMax).
func nextFloodWaitJitter() time.Duration {
	sec := int(floodWaitJitterMax / time.Second)
	if sec <= 0 {
		return 0
	}
	return time.Duration(rand.IntN(sec)) * time.Second // #nosec G404
}
