package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/t77yq/cluster-supervisor/internal/model"
)

func heartbeatWith(cpu, memory float64) *model.Heartbeat {
	return &model.Heartbeat{
		CPUUsage:    cpu,
		MemoryUsage: memory,
		Timestamp:   time.Now().Unix(),
	}
}

// stubProcess is a controllable worker process handle
type stubProcess struct {
	pid    int
	exitCh chan int
	once   sync.Once

	mu    sync.Mutex
	kills int
}

func newStubProcess(pid int) *stubProcess {
	return &stubProcess{pid: pid, exitCh: make(chan int, 1)}
}

func (p *stubProcess) PID() int { return p.pid }

func (p *stubProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *stubProcess) Wait() (int, error) {
	return <-p.exitCh, nil
}

// exit makes the process terminate with the given code
func (p *stubProcess) exit(code int) {
	p.once.Do(func() {
		p.exitCh <- code
	})
}

func (p *stubProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// stubLauncher creates stub processes and remembers them by worker id
type stubLauncher struct {
	mu      sync.Mutex
	nextPID int
	byID    map[string]*stubProcess
	order   []string
}

func newStubLauncher() *stubLauncher {
	return &stubLauncher{nextPID: 1000, byID: make(map[string]*stubProcess)}
}

func (l *stubLauncher) Launch(ctx context.Context, workerID string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPID++
	proc := newStubProcess(l.nextPID)
	l.byID[workerID] = proc
	l.order = append(l.order, workerID)
	return proc, nil
}

func (l *stubLauncher) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

func (l *stubLauncher) proc(workerID string) *stubProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byID[workerID]
}

// stubPublisher records published messages
type stubPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newStubPublisher() *stubPublisher {
	return &stubPublisher{messages: make(map[string][][]byte)}
}

func (p *stubPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[subject] = append(p.messages[subject], data)
	return nil
}

func (p *stubPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[subject])
}

// memStore is an in-memory ClusterStore for tests
type memStore struct {
	mu       sync.Mutex
	workers  map[string]model.WorkerRecord
	requests []model.RequestLog
	events   []model.ClusterEvent
}

func newMemStore() *memStore {
	return &memStore{workers: make(map[string]model.WorkerRecord)}
}

func (s *memStore) SaveWorker(ctx context.Context, worker *model.WorkerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[worker.ID] = *worker
	return nil
}

func (s *memStore) GetWorker(ctx context.Context, workerID string) (*model.WorkerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		return &w, nil
	}
	return nil, nil
}

func (s *memStore) ListWorkers(ctx context.Context, status model.WorkerStatus, limit int) ([]*model.WorkerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WorkerRecord
	for _, w := range s.workers {
		if status == "" || w.Status == status {
			record := w
			out = append(out, &record)
		}
	}
	return out, nil
}

func (s *memStore) LogRequest(ctx context.Context, req *model.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, *req)
	return nil
}

func (s *memStore) RecordEvent(ctx context.Context, event *model.ClusterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (s *memStore) ListEvents(ctx context.Context, limit int) ([]*model.ClusterEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ClusterEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		event := s.events[i]
		out = append(out, &event)
	}
	return out, nil
}

func (s *memStore) DeleteBefore(ctx context.Context, before time.Time) error {
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) storedWorker(workerID string) (model.WorkerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	return w, ok
}

func (s *memStore) eventsOfType(eventType model.EventType) []model.ClusterEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ClusterEvent
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
