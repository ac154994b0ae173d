package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session.
	ErrServerFull = "E_SERVER_FULL"
	ErrBadResume  = "E_BAD_RESUME"
	ErrPeerLagged = "E_PEER_LAGGED"
	ErrDesync     = "E_DESYNC"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrServerFull:      {},
	ErrBadResume:       {},
	ErrPeerLagged:      {},
	ErrDesync:          {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
