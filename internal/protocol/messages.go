package protocol

// HELLO (host -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	HostName        string `json:"host_name"`
	PaletteDigest   string `json:"palette_digest,omitempty"`
}

// WELCOME (server -> host)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	Params          WorldParams `json:"params"`
	Palette         PaletteInfo `json:"palette"`
}

type WorldParams struct {
	ChunkSize           int    `json:"chunk_size"`
	Height              int    `json:"height"`
	Cap                 int64  `json:"cap"`
	GateMode            string `json:"gate_mode"`
	ReconcileEveryTicks uint64 `json:"reconcile_every_ticks"`
	TickRateHz          int    `json:"tick_rate_hz"`
}

type PaletteInfo struct {
	Digest string   `json:"digest"`
	Count  int      `json:"count"`
	Blocks []string `json:"blocks,omitempty"`
}

// CHUNK_LOAD carries the full chunk column, RLE-encoded in x+z*16+y*256
// order. An empty Data asks the server to generate the chunk.
type ChunkLoadMsg struct {
	Type     string `json:"type"`
	CX       int    `json:"cx"`
	CZ       int    `json:"cz"`
	Encoding string `json:"encoding,omitempty"`
	Data     string `json:"data,omitempty"`
}

type ChunkLoadedMsg struct {
	Type   string `json:"type"`
	CX     int    `json:"cx"`
	CZ     int    `json:"cz"`
	Digest string `json:"digest"`
}

type ChunkUnloadMsg struct {
	Type string `json:"type"`
	CX   int    `json:"cx"`
	CZ   int    `json:"cz"`
}

type PlaceMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Pos       [3]int `json:"pos"`
	Block     string `json:"block"`
	ActorKind string `json:"actor_kind,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

type PlaceResultMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Verdict string `json:"verdict"`
	Pos     [3]int `json:"pos"`
	Block   string `json:"block"`
	Count   int64  `json:"count"`
	Cap     int64  `json:"cap"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type BreakMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Pos   [3]int `json:"pos"`
	Actor string `json:"actor,omitempty"`
}

type BreakResultMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Pos     [3]int `json:"pos"`
	Block   string `json:"block,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type TickMsg struct {
	Type string `json:"type"`
	Tick uint64 `json:"tick"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
