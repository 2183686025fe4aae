package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/grovekit/grove/core"
	"github.com/grovekit/grove/logging"
	"github.com/grovekit/grove/store"
)

// persistTask is one queued append, or a flush sentinel when in is nil.
type persistTask struct {
	in    *store.AppendInput
	reply chan persistResult
}

type persistResult struct {
	event *store.Event
	err   error
}

// Persister is a session's single-writer append actor. Appends are strictly
// serialized through one queue; the worker threads each new event's parent
// from the id it produced last, which is what keeps a live session linear
// even under bursty, fire-and-forget writes.
type Persister struct {
	sessionID string
	store     *store.EventStore
	logger    logging.Logger

	tasks chan persistTask

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	// lastEventID is owned by the worker goroutine after start.
	lastEventID *string
}

// NewPersister starts the append actor for one session, seeding parent
// threading from the session's current head.
func NewPersister(s *store.EventStore, sessionID string, logger logging.Logger) (*Persister, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	p := &Persister{
		sessionID:   sessionID,
		store:       s,
		logger:      logger,
		tasks:       make(chan persistTask, 64),
		done:        make(chan struct{}),
		lastEventID: sess.HeadEventID,
	}
	go p.run()
	return p, nil
}

func (p *Persister) run() {
	defer close(p.done)
	for task := range p.tasks {
		if task.in == nil {
			// Flush sentinel: every append queued before it has committed.
			close(task.reply)
			continue
		}
		if task.in.ParentID == nil {
			task.in.ParentID = p.lastEventID
		}
		ev, err := p.store.Append(*task.in)
		if err == nil {
			p.lastEventID = &ev.ID
		} else {
			p.logger.Error("append failed",
				"sessionId", p.sessionID, "type", string(task.in.Type), "error", err)
		}
		if task.reply != nil {
			task.reply <- persistResult{event: ev, err: err}
			close(task.reply)
		}
	}
}

// send enqueues one task under a read lock so Close cannot close the channel
// out from under an in-flight sender. A nil ctx blocks until the worker takes
// the task.
func (p *Persister) send(ctx context.Context, task persistTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPersisterClosed
	}
	if ctx == nil {
		p.tasks <- task
		return nil
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append queues one event and waits for it to commit.
func (p *Persister) Append(ctx context.Context, typ store.EventType, payload any) (*store.Event, error) {
	in, err := p.buildInput(typ, payload)
	if err != nil {
		return nil, err
	}
	reply := make(chan persistResult, 1)
	if err := p.send(ctx, persistTask{in: in, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.event, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AppendAsync queues one event without waiting. Failures are logged by the
// worker; ordering relative to other appends on this session is preserved.
// Returns ErrPersisterClosed after Close instead of accepting the event.
func (p *Persister) AppendAsync(typ store.EventType, payload any) error {
	in, err := p.buildInput(typ, payload)
	if err != nil {
		return err
	}
	return p.send(nil, persistTask{in: in})
}

// Flush blocks until every append queued before the call has committed.
func (p *Persister) Flush(ctx context.Context) error {
	reply := make(chan persistResult)
	if err := p.send(ctx, persistTask{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the worker. Later appends fail with
// ErrPersisterClosed.
func (p *Persister) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})
	<-p.done
}

func (p *Persister) buildInput(typ store.EventType, payload any) (*store.AppendInput, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &store.AppendInput{
		EventID:   core.NewEventID(),
		SessionID: p.sessionID,
		Type:      typ,
		Payload:   raw,
	}, nil
}
