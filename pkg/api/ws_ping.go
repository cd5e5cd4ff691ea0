package api

import (
	"context"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
)

// startWSPing pings conn until ctx ends. The first unanswered ping calls
// onDead once and stops the loop; pongs are read by the connection's reader.
func startWSPing(ctx context.Context, conn *websocket.Conn, onDead func(error)) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil && ctx.Err() == nil {
					if onDead != nil {
						onDead(err)
					}
					return
				}
			}
		}
	}()
}
