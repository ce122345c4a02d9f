/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"
)

// handleEvents streams every bus event over a websocket. One subscription
// per connection; a slow client loses events rather than backpressuring
// the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true, // loopback control plane, origin checks add nothing
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	sub := s.bus.SubscribeAll()
	defer s.bus.UnsubscribeAll(sub)

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("event stream connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "shutting down")
			return
		case payload, ok := <-sub:
			if !ok {
				conn.Close(ws.StatusNormalClosure, "bus closed")
				return
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, ws.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("event stream client gone")
				return
			}
		}
	}
}
