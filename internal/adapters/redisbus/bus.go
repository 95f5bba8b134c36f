// Package redisbus publica los eventos del motor en Redis: un stream durable
// por mercado y un canal pub/sub para consumidores en vivo.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/redis/go-redis/v9"
)

// streamMaxLen es el MAXLEN aproximado del stream (XADD MAXLEN ~).
const streamMaxLen int64 = 10000

// Config son los parámetros de conexión y destino.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string // prefijo; el stream final es "<stream>:<market>"
	Channel  string // vacío desactiva pub/sub
}

// Bus implementa ports.EventPublisher.
type Bus struct {
	rdb     redis.Cmdable
	closer  func() error
	stream  string
	channel string
}

// New conecta con Redis y verifica la conexión con un PING.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisbus.New: ping %s: %w", cfg.Addr, err)
	}
	b := NewWithClient(rdb, cfg.Stream, cfg.Channel)
	b.closer = rdb.Close
	return b, nil
}

// NewWithClient usa un cliente ya construido.
func NewWithClient(rdb redis.Cmdable, stream, channel string) *Bus {
	if stream == "" {
		stream = "forecast:events"
	}
	return &Bus{rdb: rdb, stream: stream, channel: channel}
}

// Close cierra la conexión si la abrió New.
func (b *Bus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// StreamKey es el stream de un mercado.
func (b *Bus) StreamKey(marketID string) string {
	return b.stream + ":" + marketID
}

// Publish agrega cada evento al stream y, si hay canal, lo difunde. Los eventos
// de una operación van en un único pipeline.
func (b *Bus) Publish(ctx context.Context, marketID string, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for _, ev := range events {
		values, payload, err := Encode(marketID, ev)
		if err != nil {
			return fmt.Errorf("redisbus.Publish: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.StreamKey(marketID),
			MaxLen: streamMaxLen,
			Approx: true,
			Values: values,
		})
		if b.channel != "" {
			pipe.Publish(ctx, b.channel, payload)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisbus.Publish: %s: %w", b.StreamKey(marketID), err)
	}
	return nil
}

// Encode devuelve los campos del stream y el payload JSON de un evento.
func Encode(marketID string, ev domain.Event) (map[string]interface{}, []byte, error) {
	payload, err := json.Marshal(struct {
		MarketID string `json:"market_id"`
		domain.Event
	}{marketID, ev})
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	values := map[string]interface{}{
		"id":        ev.ID,
		"kind":      string(ev.Kind),
		"market":    marketID,
		"epoch":     strconv.FormatUint(ev.EpochID, 10),
		"timestamp": strconv.FormatInt(ev.Timestamp, 10),
		"payload":   payload,
	}
	if ev.Wallet != "" {
		values["wallet"] = ev.Wallet
	}
	return values, payload, nil
}
