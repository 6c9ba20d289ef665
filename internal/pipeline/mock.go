package pipeline

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/dialbot/internal/protocol"
)

// MockProvider is a local stand-in used when no speech backend is
// configured. It reports caller activity for every few pushed audio frames
// and echoes spoken messages back to the stream as media frames, which is
// enough to exercise the full session lifecycle.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartPipeline(_ context.Context, spec Spec) (Pipeline, error) {
	return &mockPipeline{
		streamSID: spec.StreamSID,
		sink:      spec.Sink,
		events:    make(chan Event, 64),
	}, nil
}

type mockPipeline struct {
	mu        sync.Mutex
	streamSID string
	sink      Sink
	events    chan Event
	chunks    int
	stopped   bool
}

func (p *mockPipeline) PushAudio(_ context.Context, payloadBase64 string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || strings.TrimSpace(payloadBase64) == "" {
		return nil
	}
	p.chunks++
	// Pretend speech is detected periodically so idle handling can be
	// observed without a real VAD.
	if p.chunks%8 == 0 {
		select {
		case p.events <- Event{Type: EventActivity, Timestamp: time.Now().UnixMilli()}:
		default:
		}
	}
	return nil
}

func (p *mockPipeline) PushSpokenMessage(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || strings.TrimSpace(text) == "" {
		return nil
	}
	frame, err := protocol.NewMediaMessage(p.streamSID, base64.StdEncoding.EncodeToString([]byte(text)))
	if err != nil {
		return err
	}
	if err := p.sink.WriteMessage(frame); err != nil {
		return err
	}
	// A trailing mark lets playback completion be observed on the stream.
	mark, err := protocol.NewMarkMessage(p.streamSID, "utterance")
	if err != nil {
		return err
	}
	return p.sink.WriteMessage(mark)
}

func (p *mockPipeline) RequestAssistantTurn(ctx context.Context) error {
	return p.PushSpokenMessage(ctx, "Hello! Thanks for picking up.")
}

func (p *mockPipeline) Events() <-chan Event { return p.events }

func (p *mockPipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.events)
	return nil
}
