// Package memory is a mutex-guarded, in-process implementation of the
// repository interfaces. It mirrors the Postgres semantics (atomic claim,
// conditional finalize, counter checks) closely enough to run the pipeline
// end to end without a database.
package memory

import (
	"slices"
	"sync"
	"time"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
	"github.com/google/uuid"
)

type entity struct {
	id      string
	name    string
	aliases []string
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	batches   map[string]*domain.Batch
	jobs      map[string]*domain.Job
	tasks     map[string]*domain.Task
	taskOrder []string
	taskKeys  map[string]struct{} // job_id + idempotency_key
	events    []*domain.Event

	imports     map[string]*domain.ImportedKrithi
	importByKey map[string]string

	composers []entity
	ragas     []entity
}

func New() *Store {
	return &Store{
		now:         time.Now,
		batches:     make(map[string]*domain.Batch),
		jobs:        make(map[string]*domain.Job),
		tasks:       make(map[string]*domain.Task),
		taskKeys:    make(map[string]struct{}),
		imports:     make(map[string]*domain.ImportedKrithi),
		importByKey: make(map[string]string),
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Batches() *BatchStore   { return &BatchStore{s} }
func (s *Store) Jobs() *JobStore        { return &JobStore{s} }
func (s *Store) Tasks() *TaskStore      { return &TaskStore{s} }
func (s *Store) Events() *EventStore    { return &EventStore{s} }
func (s *Store) Imports() *ImportStore  { return &ImportStore{s} }
func (s *Store) Entities() *EntityStore { return &EntityStore{s} }

// AddComposer seeds a canonical composer and returns its id.
func (s *Store) AddComposer(name string, aliases ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.composers = append(s.composers, entity{id: id, name: name, aliases: aliases})
	return id
}

// AddRaga seeds a canonical raga and returns its id.
func (s *Store) AddRaga(name string, aliases ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.ragas = append(s.ragas, entity{id: id, name: name, aliases: aliases})
	return id
}

// SetTaskStartedAt backdates a task's start, for exercising the watchdog.
func (s *Store) SetTaskStartedAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.StartedAt = &at
	}
}

func (s *Store) stamp() (time.Time, *time.Time) {
	now := s.now()
	return now, &now
}

func cloneBatch(b *domain.Batch) *domain.Batch {
	c := *b
	return &c
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.Payload = slices.Clone(j.Payload)
	c.Result = slices.Clone(j.Result)
	return &c
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

func cloneImport(k *domain.ImportedKrithi) *domain.ImportedKrithi {
	c := *k
	c.Resolution = slices.Clone(k.Resolution)
	c.Duplicates = slices.Clone(k.Duplicates)
	if k.QualityScore != nil {
		q := *k.QualityScore
		c.QualityScore = &q
	}
	return &c
}

var (
	_ repository.BatchRepository  = (*BatchStore)(nil)
	_ repository.JobRepository    = (*JobStore)(nil)
	_ repository.TaskRepository   = (*TaskStore)(nil)
	_ repository.EventRepository  = (*EventStore)(nil)
	_ repository.ImportRepository = (*ImportStore)(nil)
	_ repository.EntityRepository = (*EntityStore)(nil)
)
