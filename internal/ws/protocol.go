package ws

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"

	"github.com/hubenschmidt/voice-relay/internal/metrics"
)

// Message types of the client protocol.
const (
	TypeInit         = "init"
	TypeAudio        = "audio"
	TypeError        = "error"
	TypeInterruption = "interruption"
)

// InMessage is a JSON text frame sent by the client.
type InMessage struct {
	Type  string `json:"type"`
	UUID  string `json:"uuid,omitempty"`
	Audio string `json:"audio,omitempty"` // base64 PCM16 8 kHz mono
}

// OutMessage is a JSON text frame sent to the client.
type OutMessage struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Message string `json:"message,omitempty"`
}

// sessionSink is the part of a bridge session the reader drives.
type sessionSink interface {
	Init(id string) error
	Audio(pcm []byte) error
}

// dispatch routes one inbound frame. Malformed and unknown messages are
// logged and dropped; only a closed session is reported back.
func dispatch(s sessionSink, data []byte, log *slog.Logger) error {
	var m InMessage
	if err := json.Unmarshal(data, &m); err != nil {
		metrics.ProtocolErrors.WithLabelValues("malformed_json").Inc()
		log.Warn("malformed client message", "error", err, "bytes", len(data))
		return nil
	}

	switch m.Type {
	case TypeInit:
		return s.Init(m.UUID)
	case TypeAudio:
		pcm, err := base64.StdEncoding.DecodeString(m.Audio)
		if err != nil {
			metrics.ProtocolErrors.WithLabelValues("bad_audio").Inc()
			log.Warn("undecodable audio payload", "error", err)
			return nil
		}
		if len(pcm) == 0 {
			return nil
		}
		return s.Audio(pcm)
	default:
		metrics.ProtocolErrors.WithLabelValues("unknown_type").Inc()
		log.Warn("unknown client message type", "type", m.Type)
		return nil
	}
}

func encodeAudio(frame []byte) ([]byte, error) {
	return json.Marshal(OutMessage{Type: TypeAudio, Audio: base64.StdEncoding.EncodeToString(frame)})
}

func encodeError(message string) ([]byte, error) {
	return json.Marshal(OutMessage{Type: TypeError, Message: message})
}

func encodeInterruption() ([]byte, error) {
	return json.Marshal(OutMessage{Type: TypeInterruption})
}
