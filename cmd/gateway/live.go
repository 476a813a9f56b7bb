package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/transit_layer/internal/api"
	"github.com/R3E-Network/transit_layer/internal/middleware"
	"github.com/R3E-Network/transit_layer/internal/query"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePingInterval = 30 * time.Second
	livePongWait     = 60 * time.Second
	liveReadLimit    = 1024
)

// liveState is one frame of the live schedules feed.
type liveState struct {
	Params    api.ScheduleParams `json:"params"`
	Loading   bool               `json:"loading"`
	HasData   bool               `json:"has_data"`
	Data      []api.Schedule     `json:"data"`
	Error     *liveError         `json:"error,omitempty"`
	UpdatedAt *time.Time         `json:"updated_at,omitempty"`
}

type liveError struct {
	Kind   string `json:"kind"`
	Status int    `json:"status,omitempty"`
}

func newLiveState(p api.ScheduleParams, s query.State[[]api.Schedule]) liveState {
	out := liveState{Params: p, Loading: s.Loading, HasData: s.HasData, Data: s.Data}
	if out.Data == nil {
		out.Data = []api.Schedule{}
	}
	if s.Err != nil {
		out.Error = &liveError{Kind: s.Err.Kind.String(), Status: s.Err.StatusCode}
	}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// liveSchedules streams the schedules observer over a websocket. Clients
// change filters by sending {"route_id": ..., "date": ...}.
func (s *server) liveSchedules(cors *middleware.CORSMiddleware) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || cors.AllowsOrigin(origin)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader has already answered the request.
			s.log.WithContext(r.Context()).WithError(err).Debug("live upgrade failed")
			return
		}
		defer conn.Close()

		// A peer that stops answering pings is dropped by the read deadline.
		pongWait := s.pongWait
		if pongWait <= 0 {
			pongWait = livePongWait
		}
		conn.SetReadLimit(liveReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var writeMu sync.Mutex
		send := func(v interface{}) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			return conn.WriteJSON(v)
		}

		obs := s.queries.ObserveSchedules(ctx, scheduleParams(r))
		defer func() {
			obs.Close()
			obs.Wait()
		}()
		obs.Subscribe(func(st query.State[[]api.Schedule]) {
			if err := send(newLiveState(obs.Params(), st)); err != nil {
				cancel()
			}
		})
		if err := send(newLiveState(obs.Params(), obs.State())); err != nil {
			return
		}

		go func() {
			ticker := time.NewTicker(livePingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					writeMu.Lock()
					err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout))
					writeMu.Unlock()
					if err != nil {
						cancel()
						return
					}
				}
			}
		}()

		for {
			var p api.ScheduleParams
			if err := conn.ReadJSON(&p); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.WithContext(ctx).WithError(err).Debug("live feed closed")
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			obs.SetParams(p)
			if err := send(newLiveState(p, obs.State())); err != nil {
				return
			}
		}
	}
}
