package channelsocket

import "encoding/json"

// Reserved route for the connection handshake. The server sends a token on
// it and expects the same token echoed back on the same route.
const (
	ConnectionChannel = "connection"
	VerifyCommand     = "verify"
)

// verifyPayload carries the challenge token. The token is kept raw so it is
// echoed byte for byte whatever its JSON type.
type verifyPayload struct {
	Token json.RawMessage `json:"token,omitempty"`
}

// handleVerify queues the echo for the connection the challenge arrived on.
// The Socket counts as verified only once the writer puts that echo on the
// same connection.
func (s *Socket) handleVerify(data json.RawMessage) {
	var challenge verifyPayload
	if err := json.Unmarshal(data, &challenge); err != nil {
		s.log.Warn().Err(err).Msg("verify challenge is not an object, replying without token")
		challenge = verifyPayload{}
	}

	env, err := NewEnvelope(ConnectionChannel, VerifyCommand, challenge)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode verify reply")
		return
	}
	raw, err := encodeEnvelope(env)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode verify reply")
		return
	}

	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	if err := s.enqueue(outFrame{data: raw, gen: gen, verify: true}); err != nil {
		s.log.Error().Err(err).Msg("failed to queue verify reply")
	}
}
