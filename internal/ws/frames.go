package ws

import (
	"encoding/json"

	"tagarela/internal/models"
)

type ClientFrameType string

const (
	ClientFrameSubscribe   ClientFrameType = "subscribe"
	ClientFrameUnsubscribe ClientFrameType = "unsubscribe"
	ClientFramePublish     ClientFrameType = "publish"
)

// ClientFrame is sent from the client to the server.
type ClientFrame struct {
	Type    ClientFrameType `json:"type"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ServerFrameType string

const (
	ServerFrameEvent ServerFrameType = "event"
	ServerFrameError ServerFrameType = "error"
)

// ServerFrame is sent from the server to the client.
type ServerFrame struct {
	Type     ServerFrameType  `json:"type"`
	Envelope *models.Envelope `json:"envelope,omitempty"`
	Topic    string           `json:"topic,omitempty"`
	Message  string           `json:"message,omitempty"`
}
