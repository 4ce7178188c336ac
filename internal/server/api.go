package server

import (
	"github.com/ChuLiYu/actorq/pkg/broker"
	"github.com/ChuLiYu/actorq/pkg/types"
	"github.com/ChuLiYu/actorq/pkg/worker"
)

type StatusResponse struct {
	Pool   worker.Stats                  `json:"pool"`
	Queues map[string]broker.QueueStats `json:"queues"`
}

type ActorInfo struct {
	Name     string `json:"name"`
	Queue    string `json:"queue"`
	Priority int    `json:"priority"`
}

type ListActorsResponse struct {
	Actors []ActorInfo `json:"actors"`
}

type SendMessageBody struct {
	Args    []any                `json:"args"`
	Kwargs  map[string]any       `json:"kwargs"`
	Options types.MessageOptions `json:"options"`
}

type SendMessageRequest struct {
	Actor string          `in:"path=name"`
	Body  SendMessageBody `in:"body"`
}

type SendMessageResponse struct {
	MessageId string `json:"message_id"`
	Queue     string `json:"queue"`
	ETA       int64  `json:"eta,omitempty"`
}

type ListDeadLettersRequest struct {
	Queue string `in:"path=name"`
	Limit int    `in:"query=limit"`
}

type ListDeadLettersResponse struct {
	Messages []*types.Message `json:"messages"`
}
