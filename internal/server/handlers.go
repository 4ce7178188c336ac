package server

import (
	"net/http"

	"github.com/ggicci/httpin"
	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/actorq/pkg/types"
)

func getStatus(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Pool:   rt.pool.Stats(),
			Queues: rt.br.Stats(),
		}

		if err := encode(w, resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sm.
		Get("/api/v1/status", handler)
}

func pausePool(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		rt.pool.Pause()
		rt.logger.Info("pool paused through admin API")
		w.WriteHeader(http.StatusNoContent)
	}

	sm.
		Post("/api/v1/pool/pause", handler)
}

func resumePool(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		rt.pool.Resume()
		rt.logger.Info("pool resumed through admin API")
		w.WriteHeader(http.StatusNoContent)
	}

	sm.
		Post("/api/v1/pool/resume", handler)
}

func listActors(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		actors := rt.br.Registry().Actors()

		resp := ListActorsResponse{
			Actors: make([]ActorInfo, 0, len(actors)),
		}
		for _, a := range actors {
			resp.Actors = append(resp.Actors, ActorInfo{
				Name:     a.Name(),
				Queue:    a.QueueName(),
				Priority: a.Priority(),
			})
		}

		if err := encode(w, resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sm.
		Get("/api/v1/actors", handler)
}

func sendMessage(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*SendMessageRequest)

		a, ok := rt.br.Registry().Lookup(req.Actor)
		if !ok {
			http.Error(w, "actor not found: "+req.Actor, http.StatusNotFound)
			return
		}

		// Retry bookkeeping is owned by the engine.
		opts := req.Body.Options
		opts.Retries, opts.ETA, opts.LastError = 0, 0, ""

		msg, err := a.SendWithOptions(req.Body.Args, req.Body.Kwargs, opts)
		if err != nil {
			status := http.StatusInternalServerError
			if types.IsValidationError(err) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}

		resp := SendMessageResponse{
			MessageId: string(msg.MessageID),
			Queue:     msg.QueueName,
			ETA:       msg.Options.ETA,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := encode(w, resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sm.
		With(httpin.NewInput(SendMessageRequest{})).
		Post("/api/v1/actors/{name}/messages", handler)
}

func listDeadLetters(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*ListDeadLettersRequest)

		msgs, err := rt.br.DeadLetters(req.Queue)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if req.Limit > 0 && len(msgs) > req.Limit {
			msgs = msgs[:req.Limit]
		}

		resp := ListDeadLettersResponse{
			Messages: msgs,
		}
		if resp.Messages == nil {
			resp.Messages = []*types.Message{}
		}

		if err := encode(w, resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sm.
		With(httpin.NewInput(ListDeadLettersRequest{})).
		Get("/api/v1/queues/{name}/dead", handler)
}
