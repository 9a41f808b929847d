package helpers

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/xiaot623/gogo/runner/internal/adapter/provider"
)

// Step scripts one Open or Resume call.
type Step struct {
	// Err is returned by the call itself instead of a stream.
	Err error
	// Events are delivered in order.
	Events []provider.Event
	// Hang blocks the stream after Events until it is closed.
	Hang bool
	// End is returned after Events; io.EOF when nil.
	End error
}

// Poll scripts one Retrieve call.
type Poll struct {
	Response *provider.Response
	Err      error
}

// ScriptedProvider replays scripted steps. The last Poll repeats.
type ScriptedProvider struct {
	mu       sync.Mutex
	opens    []Step
	resumes  []Step
	polls    []Poll
	noResume bool
	gate     chan struct{}

	openCalls     int
	resumeCalls   int
	retrieveCalls int
	cursors       []int64
	params        []*provider.Params
}

var _ provider.Provider = (*ScriptedProvider)(nil)

func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{}
}

func (p *ScriptedProvider) OnOpen(steps ...Step) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens = append(p.opens, steps...)
	return p
}

func (p *ScriptedProvider) OnResume(steps ...Step) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes = append(p.resumes, steps...)
	return p
}

func (p *ScriptedProvider) OnRetrieve(polls ...Poll) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls = append(p.polls, polls...)
	return p
}

// WithoutResume makes the provider report that it cannot resume streams.
func (p *ScriptedProvider) WithoutResume() *ScriptedProvider {
	p.noResume = true
	return p
}

// Gate blocks Open until the returned function is called.
func (p *ScriptedProvider) Gate() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	gate := p.gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (p *ScriptedProvider) SupportsResume() bool {
	return !p.noResume
}

func (p *ScriptedProvider) Open(ctx context.Context, params *provider.Params) (provider.Stream, error) {
	p.mu.Lock()
	p.openCalls++
	p.params = append(p.params, params)
	gate := p.gate
	step, ok := pop(&p.opens)
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, errors.New("no scripted stream")
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return newScriptStream(step), nil
}

func (p *ScriptedProvider) Resume(ctx context.Context, responseID string, cursor int64) (provider.Stream, error) {
	p.mu.Lock()
	p.resumeCalls++
	p.cursors = append(p.cursors, cursor)
	step, ok := pop(&p.resumes)
	p.mu.Unlock()

	if !ok {
		return nil, &provider.APIError{StatusCode: 503, Code: "server_error", Message: "no scripted resume"}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return newScriptStream(step), nil
}

func (p *ScriptedProvider) Retrieve(ctx context.Context, responseID string) (*provider.Response, error) {
	p.mu.Lock()
	p.retrieveCalls++
	var poll Poll
	switch len(p.polls) {
	case 0:
		poll = Poll{Response: &provider.Response{ID: responseID, Status: provider.StatusInProgress}}
	case 1:
		poll = p.polls[0]
	default:
		poll = p.polls[0]
		p.polls = p.polls[1:]
	}
	p.mu.Unlock()
	return poll.Response, poll.Err
}

func (p *ScriptedProvider) OpenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCalls
}

func (p *ScriptedProvider) ResumeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumeCalls
}

func (p *ScriptedProvider) RetrieveCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retrieveCalls
}

// Cursors returns the cursor passed to each Resume call.
func (p *ScriptedProvider) Cursors() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.cursors...)
}

// Params returns the request of each Open call.
func (p *ScriptedProvider) Params() []*provider.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*provider.Params(nil), p.params...)
}

func pop(steps *[]Step) (Step, bool) {
	if len(*steps) == 0 {
		return Step{}, false
	}
	step := (*steps)[0]
	*steps = (*steps)[1:]
	return step, true
}

type scriptStream struct {
	step   Step
	next   int
	closed chan struct{}
	once   sync.Once
}

func newScriptStream(step Step) *scriptStream {
	return &scriptStream{step: step, closed: make(chan struct{})}
}

func (s *scriptStream) Next(ctx context.Context) (provider.Event, error) {
	select {
	case <-s.closed:
		return provider.Event{}, io.ErrClosedPipe
	default:
	}
	if s.next < len(s.step.Events) {
		evt := s.step.Events[s.next]
		s.next++
		return evt, nil
	}
	if s.step.Hang {
		select {
		case <-s.closed:
			return provider.Event{}, io.ErrClosedPipe
		case <-ctx.Done():
			return provider.Event{}, ctx.Err()
		}
	}
	if s.step.End != nil {
		return provider.Event{}, s.step.End
	}
	return provider.Event{}, io.EOF
}

func (s *scriptStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
