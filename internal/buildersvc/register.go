package buildersvc

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Registration describes this builder to the scheduler.
type Registration struct {
	ID          string
	Addr        string // host:port clients should dial
	Environment string
	MaxParallel int
}

// RegisterWithScheduler keeps a registration connection open to the
// scheduler's /builders endpoint, re-dialing with exponential backoff when
// it drops. The open connection is the liveness signal; periodic pings
// refresh the scheduler-side heartbeat. Blocks until ctx is cancelled.
func RegisterWithScheduler(ctx context.Context, schedulerAddr string, reg Registration) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if err := registerOnce(ctx, schedulerAddr, reg); err != nil {
			log.Warn().Err(err).Str("scheduler", schedulerAddr).Msg("buildersvc: scheduler registration lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func registerOnce(ctx context.Context, schedulerAddr string, reg Registration) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, "ws://"+schedulerAddr+"/builders", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	hello := struct {
		ID          string `json:"id"`
		Addr        string `json:"addr"`
		Environment string `json:"environment"`
		MaxParallel int    `json:"maxParallel"`
	}{reg.ID, reg.Addr, reg.Environment, reg.MaxParallel}
	if err := conn.WriteJSON(hello); err != nil {
		return err
	}
	log.Info().Str("scheduler", schedulerAddr).Str("id", reg.ID).Msg("buildersvc: registered with scheduler")

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
				return err
			}
		}
	}
}
