package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Request layer.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrUnknownBlock   = "E_UNKNOWN_BLOCK"
	ErrChunkNotLoaded = "E_CHUNK_NOT_LOADED"
	ErrOccupied       = "E_OCCUPIED"
	ErrInvalidTarget  = "E_INVALID_TARGET"
	ErrCapReached     = "E_CAP_REACHED"
	ErrRateLimit      = "E_RATE_LIMIT"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBadRequest:      {},
	ErrUnknownBlock:    {},
	ErrChunkNotLoaded:  {},
	ErrOccupied:        {},
	ErrInvalidTarget:   {},
	ErrCapReached:      {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
