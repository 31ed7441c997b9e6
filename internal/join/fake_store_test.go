package join

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nodemesh/controlplane/internal/audit"
	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
)

// nilDBTX is a DBTX stub the fake store ignores — it never issues raw SQL.
type nilDBTX struct{}

func (nilDBTX) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (nilDBTX) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (nilDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }

type fakeStore struct {
	mu    sync.Mutex
	nodes map[string]model.Node // keyed by hwid
}

func newFakeStore() *fakeStore {
	return &fakeStore{nodes: make(map[string]model.Node)}
}

func (s *fakeStore) GetNodeByHWID(ctx context.Context, dbtx store.DBTX, hwid string) (model.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[hwid]
	return n, ok, nil
}

func (s *fakeStore) InsertNode(ctx context.Context, dbtx store.DBTX, n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.HWID] = n
	return nil
}

func (s *fakeStore) UpdateNode(ctx context.Context, dbtx store.DBTX, n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.HWID]; !ok {
		return store.ErrNotFound
	}
	s.nodes[n.HWID] = n
	return nil
}

func (s *fakeStore) NonTx() store.DBTX { return nilDBTX{} }

// WithTransaction restores the node map on error, like a rolled-back
// transaction.
func (s *fakeStore) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	s.mu.Lock()
	snapshot := make(map[string]model.Node, len(s.nodes))
	for k, v := range s.nodes {
		snapshot[k] = v
	}
	s.mu.Unlock()
	if err := fn(nil); err != nil {
		s.mu.Lock()
		s.nodes = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *fakeStore) get(hwid string) (model.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[hwid]
	return n, ok
}

// fakeAuditRecorder records every co-committed / fallback audit event it
// sees, without touching the real audit pipeline.
type fakeAuditRecorder struct {
	mu           sync.Mutex
	ready        bool
	events       []model.AuditEventPayload
	backpressure bool
}

func (a *fakeAuditRecorder) IsReady() bool { return a.ready }

func (a *fakeAuditRecorder) EnqueueIntentTx(ctx context.Context, dbtx store.DBTX, event model.AuditEventPayload, opts audit.EnqueueOptions) (model.AuditIntent, audit.EnqueueResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backpressure {
		return model.AuditIntent{}, audit.EnqueueResult{Accepted: false, Reason: "backpressure", RetryAfterSeconds: 1}, nil
	}
	a.events = append(a.events, event)
	return model.AuditIntent{EventID: "evt"}, audit.EnqueueResult{Accepted: true}, nil
}

func (a *fakeAuditRecorder) RecordAuditEvent(ctx context.Context, event model.AuditEventPayload, opts audit.EnqueueOptions) (*model.AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return &model.AuditLog{Payload: event}, nil
}

func (a *fakeAuditRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func (a *fakeAuditRecorder) last() model.AuditEventPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[len(a.events)-1]
}
