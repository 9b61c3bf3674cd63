package upstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/hubenschmidt/voice-relay/internal/audio"
)

var inputMIME = "audio/pcm;rate=" + strconv.Itoa(audio.UpstreamInputRate)

// GeminiDialer opens Gemini Live sessions.
type GeminiDialer struct {
	client *genai.Client
}

// NewGeminiDialer creates a Gemini API client for apiKey.
func NewGeminiDialer(ctx context.Context, apiKey string) (*GeminiDialer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &GeminiDialer{client: client}, nil
}

// Dial connects a live session configured for audio responses with both
// input and output transcription.
func (d *GeminiDialer) Dial(ctx context.Context, cfg Config) (Session, error) {
	sess, err := d.client.Live.Connect(ctx, cfg.Model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("live connect: %w", err)
	}
	return &geminiSession{sess: sess}, nil
}

func liveConfig(cfg Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			fd := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Parameters) > 0 {
				fd.ParametersJsonSchema = t.Parameters
			}
			decls = append(decls, fd)
		}
		lc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return lc
}

type geminiSession struct {
	mu   sync.Mutex // serializes writes on the underlying socket
	sess *genai.Session
}

func (g *geminiSession) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: inputMIME, Data: pcm},
	})
}

func (g *geminiSession) SendText(text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sess.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
	})
}

func (g *geminiSession) SendToolResponses(resps []ToolResponse) error {
	frs := make([]*genai.FunctionResponse, 0, len(resps))
	for _, r := range resps {
		frs = append(frs, &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: map[string]any{"result": r.Result},
		})
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sess.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: frs})
}

func (g *geminiSession) Receive() ([]Event, error) {
	msg, err := g.sess.Receive()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return convertMessage(msg), nil
}

func (g *geminiSession) Close() error {
	return g.sess.Close()
}

// convertMessage flattens one server message into events in the order the
// session loop must apply them.
func convertMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var events []Event
	if msg.SetupComplete != nil {
		events = append(events, Event{Kind: EventSetupComplete})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, Event{Kind: EventInputTranscript, Text: sc.InputTranscription.Text})
		}
		if sc.Interrupted {
			events = append(events, Event{Kind: EventInterrupted})
		}
		if parts := turnParts(sc); len(parts) > 0 {
			events = append(events, Event{Kind: EventModelTurn, Parts: parts})
		}
		if sc.TurnComplete {
			events = append(events, Event{Kind: EventTurnComplete})
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]ToolCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			id := fc.ID
			if id == "" {
				id = uuid.NewString()
			}
			calls = append(calls, ToolCall{ID: id, Name: fc.Name, Args: fc.Args})
		}
		events = append(events, Event{Kind: EventToolCall, Calls: calls})
	}
	return events
}

// turnParts collects audio and text parts of a model turn. Output audio
// transcription is surfaced as a trailing text part.
func turnParts(sc *genai.LiveServerContent) []Part {
	var parts []Part
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.Thought {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				parts = append(parts, Part{Audio: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
				continue
			}
			if p.Text != "" {
				parts = append(parts, Part{Text: p.Text})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		parts = append(parts, Part{Text: sc.OutputTranscription.Text})
	}
	return parts
}
