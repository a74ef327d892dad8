package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"tubekeeper/internal/app"
	"tubekeeper/internal/events"
)

func registerEvents(api huma.API, k *app.Keeper) {
	sse.Register(api, huma.Operation{
		OperationID: "events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Stream check transitions and state updates",
	}, map[string]any{
		events.CheckCreated:   CheckCreatedMessage{},
		events.CheckUpdated:   CheckUpdatedMessage{},
		events.CheckCompleted: CheckCompletedMessage{},
		events.StateUpdate:    StateUpdateMessage{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		// Subscribe before taking the snapshot so no transition falls between them.
		ch, cancel := k.Bus.Subscribe()
		defer cancel()
		if err := send.Data(StateUpdateMessage(k.Snapshot())); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				msg := streamMessage(evt)
				if msg == nil {
					continue
				}
				if err := send.Data(msg); err != nil {
					return
				}
			}
		}
	})
}

func streamMessage(evt events.Event) any {
	switch {
	case evt.Type == events.StateUpdate && evt.Snapshot != nil:
		return StateUpdateMessage(*evt.Snapshot)
	case evt.Check == nil:
		return nil
	case evt.Type == events.CheckCreated:
		return CheckCreatedMessage(*evt.Check)
	case evt.Type == events.CheckUpdated:
		return CheckUpdatedMessage(*evt.Check)
	case evt.Type == events.CheckCompleted:
		return CheckCompletedMessage(*evt.Check)
	}
	return nil
}
