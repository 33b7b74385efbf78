package protocol

import "encoding/json"

// jsonEnvelope mirrors Envelope with a base64-friendly Payload (json
// marshals []byte as base64 automatically) plus an explicit version field,
// since the JSON variant is self-describing on its own, independent of the
// binary frame's leading version byte.
type jsonEnvelope struct {
	Version   uint8  `json:"version"`
	Envelope
}

// EncodeJSON renders the diagnostics variant required by §4.1: the same
// schema as the binary codec, accepted by tooling that can't speak the
// binary frame (e.g. curl, a browser devtools console).
func EncodeJSON(e Envelope) ([]byte, error) {
	return json.Marshal(jsonEnvelope{Version: Version, Envelope: e})
}

// DecodeJSON reverses EncodeJSON.
func DecodeJSON(raw []byte) (Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(raw, &je); err != nil {
		return Envelope{}, err
	}
	if je.Version != Version {
		return Envelope{}, ErrDecodeError
	}
	return je.Envelope, nil
}
