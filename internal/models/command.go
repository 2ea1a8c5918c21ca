package models

import (
	"encoding/json"
	"fmt"
)

type CommandType string

const (
	CommandStart       CommandType = "START"
	CommandStop        CommandType = "STOP"
	CommandSendMessage CommandType = "SEND_MESSAGE"
	CommandOpenViewer  CommandType = "OPEN_VIEWER"
)

// Command is a decoded instance command. Payload fields are typed per
// command; only the field matching Type is set.
type Command struct {
	AccountID   string
	Type        CommandType
	SendMessage *SendMessagePayload
}

type SendMessagePayload struct {
	Message string `json:"message"`
}

type commandEnvelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeCommand parses a raw boundary command into its tagged form. Unknown
// extra fields in the payload are ignored; an unknown type is an error.
func DecodeCommand(accountID string, raw []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{}, fmt.Errorf("invalid command body: %w", err)
	}

	cmd := Command{AccountID: accountID, Type: env.Type}

	switch env.Type {
	case CommandStart, CommandStop, CommandOpenViewer:
		return cmd, nil
	case CommandSendMessage:
		var p SendMessagePayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return Command{}, fmt.Errorf("invalid send_message payload: %w", err)
			}
		}
		if p.Message == "" {
			return Command{}, fmt.Errorf("send_message requires a non-empty message")
		}
		cmd.SendMessage = &p
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("unknown command type %q", env.Type)
	}
}
