package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Placement rejections (expected outcomes, carried in PlaceResponse).
	ErrOutOfBounds = "E_OUT_OF_BOUNDS"
	ErrOccupied    = "E_OCCUPIED"
	ErrRateLimit   = "E_RATE_LIMIT"
	ErrBadBlock    = "E_BAD_BLOCK"

	// World routing/state.
	ErrWorldNotFound = "E_WORLD_NOT_FOUND"
	ErrWorldExpired  = "E_WORLD_EXPIRED"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrOutOfBounds:     {},
	ErrOccupied:        {},
	ErrRateLimit:       {},
	ErrBadBlock:        {},
	ErrWorldNotFound:   {},
	ErrWorldExpired:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
