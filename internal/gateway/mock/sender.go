package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/campaign-dispatcher/internal/gateway"
)

// Call records one send made through the mock.
type Call struct {
	Kind      string
	Phone     string
	Message   string
	ImagePath string
}

// Sender simulates the messaging gateway.
type Sender struct {
	mu       sync.Mutex
	calls    []Call
	outcomes []bool

	successRate float64
	latency     time.Duration
	rng         *rand.Rand
}

var (
	_ gateway.Sender         = (*Sender)(nil)
	_ gateway.SessionManager = (*Sender)(nil)
)

// NewSender returns a mock that succeeds with the given probability after latency.
func NewSender(successRate float64, latency time.Duration) *Sender {
	return &Sender{
		successRate: successRate,
		latency:     latency,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewScripted returns a mock whose n-th send yields outcomes[n]; sends past
// the script succeed.
func NewScripted(outcomes ...bool) *Sender {
	return &Sender{outcomes: outcomes, successRate: 1}
}

// SendText implements gateway.Sender.
func (s *Sender) SendText(ctx context.Context, phone, message string) (bool, gateway.Payload) {
	return s.send(ctx, Call{Kind: "text", Phone: phone, Message: message})
}

// SendImage implements gateway.Sender.
func (s *Sender) SendImage(ctx context.Context, phone, imagePath, caption string) (bool, gateway.Payload) {
	if !gateway.ImageUsable(imagePath) {
		return false, gateway.Payload{"error": "image not usable", "image_path": imagePath}
	}
	return s.send(ctx, Call{Kind: "image", Phone: phone, Message: caption, ImagePath: imagePath})
}

// SessionStatus always reports a connected device.
func (s *Sender) SessionStatus(context.Context) (*gateway.SessionState, error) {
	return &gateway.SessionState{Status: gateway.SessionConnected}, nil
}

// StartSession always reports a connected device.
func (s *Sender) StartSession(ctx context.Context) (*gateway.SessionState, error) {
	return s.SessionStatus(ctx)
}

// Calls returns a copy of the recorded sends.
func (s *Sender) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Sender) send(ctx context.Context, call Call) (bool, gateway.Payload) {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			s.record(call)
			return false, gateway.Payload{"error": ctx.Err().Error()}
		case <-time.After(s.latency):
		}
	}

	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, call)
	ok := true
	switch {
	case idx < len(s.outcomes):
		ok = s.outcomes[idx]
	case s.rng != nil:
		ok = s.rng.Float64() < s.successRate
	}
	s.mu.Unlock()

	if !ok {
		return false, gateway.Payload{"status_code": 500, "error": "simulated failure", "response_json": nil}
	}
	return true, gateway.Payload{"status": "success", "phone": call.Phone}
}

func (s *Sender) record(call Call) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}
