package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/transit_layer/internal/api"
	"github.com/R3E-Network/transit_layer/internal/cli"
	"github.com/R3E-Network/transit_layer/internal/query"
)

const watchHelp = `Commands:
  route ID      filter by route (route - clears it)
  date DAY      filter by date, YYYY-MM-DD (date - clears it)
  clear         remove all filters
  refresh       fetch again
  help          show this help
  quit          exit
`

type action int

const (
	actionNone action = iota
	actionFilter
	actionRefresh
	actionHelp
	actionQuit
)

// parseCommand applies one input line to the current filters.
func parseCommand(line string, cur api.ScheduleParams) (action, api.ScheduleParams, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return actionNone, cur, nil
	}

	arg := func() (string, error) {
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: %s VALUE", fields[0])
		}
		if fields[1] == "-" {
			return "", nil
		}
		return fields[1], nil
	}

	switch strings.ToLower(fields[0]) {
	case "route", "r":
		v, err := arg()
		if err != nil {
			return actionNone, cur, err
		}
		cur.RouteID = v
		return actionFilter, cur, nil
	case "date", "d":
		v, err := arg()
		if err != nil {
			return actionNone, cur, err
		}
		cur.Date = v
		return actionFilter, cur, nil
	case "clear":
		return actionFilter, api.ScheduleParams{}, nil
	case "refresh":
		return actionRefresh, cur, nil
	case "help", "?":
		return actionHelp, cur, nil
	case "quit", "exit", "q":
		return actionQuit, cur, nil
	default:
		return actionNone, cur, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}

// watch observes the schedules for params and applies filter commands read
// from stdin until quit, EOF or ctx is done.
func (a *app) watch(ctx context.Context, queries *api.Queries, params api.ScheduleParams, refresh time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := cli.NewScheduleView(a.stdout, a.interactive)
	defer view.Close()

	obs := queries.ObserveSchedules(ctx, params)
	defer func() {
		obs.Close()
		obs.Wait()
	}()
	obs.Subscribe(func(s query.State[[]api.Schedule]) {
		view.Render(obs.Params(), s)
	})
	view.Render(obs.Params(), obs.State())

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := a.stdin.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	var tick <-chan time.Time
	if refresh > 0 {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			obs.Refetch()
		case line, ok := <-lines:
			if !ok {
				// Input ended; let pending fetches render first.
				obs.Wait()
				return nil
			}
			act, next, err := parseCommand(line, obs.Params())
			if err != nil {
				view.Warn(err.Error())
				continue
			}
			switch act {
			case actionFilter:
				obs.SetParams(next)
				view.Render(next, obs.State())
			case actionRefresh:
				queries.Cache().Invalidate(api.ScheduleKey(obs.Params()))
			case actionHelp:
				view.Print(watchHelp)
			case actionQuit:
				return nil
			}
		}
	}
}
