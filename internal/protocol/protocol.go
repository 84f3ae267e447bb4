// Package protocol defines the JSON messages exchanged between a world host
// and the placement server.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	// host -> server
	TypeHello       = "HELLO"
	TypeChunkLoad   = "CHUNK_LOAD"
	TypeChunkUnload = "CHUNK_UNLOAD"
	TypePlace       = "PLACE"
	TypeBreak       = "BREAK"
	TypeTick        = "TICK"

	// server -> host
	TypeWelcome     = "WELCOME"
	TypeChunkLoaded = "CHUNK_LOADED"
	TypePlaceResult = "PLACE_RESULT"
	TypeBreakResult = "BREAK_RESULT"
	TypeError       = "ERROR"
)

const EncodingRLE = "RLE"

const (
	VerdictAccepted = "ACCEPTED"
	VerdictRejected = "REJECTED"
)

// Actor kinds on PLACE. Only players are subject to the cap.
const (
	ActorPlayer  = "player"
	ActorMachine = "machine"
	ActorWorld   = "world"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
