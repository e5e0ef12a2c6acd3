package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/isnad/api"
)

const (
	defaultMaxMem = 10000
	subBuffer     = 64
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("journal is closed")

// JSONLStore appends events to one JSONL file per UTC day and keeps the
// most recent events in memory, indexed by audit.
type JSONLStore struct {
	dir    string
	maxMem int

	mu      sync.Mutex
	day     string
	file    *os.File
	enc     *json.Encoder
	closed  bool
	tail    []*api.Event
	byAudit map[string][]*api.Event
	tally   tally
	subs    map[*subscriber]struct{}
}

// Option configures a JSONLStore.
type Option func(*JSONLStore)

// WithMaxMemory bounds the number of events kept in memory.
func WithMaxMemory(n int) Option {
	return func(s *JSONLStore) {
		if n > 0 {
			s.maxMem = n
		}
	}
}

// NewJSONLStore creates a journal writing to dir. The newest existing day
// file is replayed so history and stats survive restarts.
func NewJSONLStore(dir string, opts ...Option) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	s := &JSONLStore{
		dir:     dir,
		maxMem:  defaultMaxMem,
		byAudit: make(map[string][]*api.Event),
		tally:   newTally(),
		subs:    make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLStore) Write(_ context.Context, event *api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if day := event.Timestamp.UTC().Format(time.DateOnly); day != s.day {
		if err := s.openDay(day); err != nil {
			return err
		}
	}
	if err := s.enc.Encode(event); err != nil {
		return fmt.Errorf("appending journal event: %w", err)
	}

	s.retain(event)
	for sub := range s.subs {
		sub.offer(event)
	}
	return nil
}

func (s *JSONLStore) Query(_ context.Context, filter api.QueryFilter) ([]*api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.tail
	if filter.AuditID != "" {
		src = s.byAudit[filter.AuditID]
	}

	var out []*api.Event
	skip := filter.Offset
	for _, e := range src {
		if !filter.Matches(e) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *JSONLStore) History(_ context.Context, auditID string) ([]*api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.byAudit[auditID]), nil
}

func (s *JSONLStore) Stats(_ context.Context) (*api.JournalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tally.snapshot(), nil
}

func (s *JSONLStore) Subscribe(ctx context.Context, filter api.QueryFilter) (<-chan *api.Event, func()) {
	sub := &subscriber{filter: filter, ch: make(chan *api.Event, subBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.close()
	}
	stop := context.AfterFunc(ctx, cancel)
	return sub.ch, func() {
		stop()
		cancel()
	}
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		sub.close()
	}
	clear(s.subs)

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.enc, s.day = nil, nil, ""
	return err
}

// openDay switches appends to the file of the given day.
func (s *JSONLStore) openDay(day string) error {
	f, err := os.OpenFile(filepath.Join(s.dir, day+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening journal file: %w", err)
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			f.Close()
			return fmt.Errorf("closing journal file: %w", err)
		}
	}
	s.file, s.enc, s.day = f, json.NewEncoder(f), day
	return nil
}

// retain adds e to the tail and the audit index, evicting the oldest event
// once the tail is full. Stats count every event regardless of eviction.
func (s *JSONLStore) retain(e *api.Event) {
	s.tally.add(e)

	if len(s.tail) >= s.maxMem {
		old := s.tail[0]
		s.tail = s.tail[1:]
		if rest := s.byAudit[old.AuditID][1:]; len(rest) > 0 {
			s.byAudit[old.AuditID] = rest
		} else {
			delete(s.byAudit, old.AuditID)
		}
	}
	s.tail = append(s.tail, e)
	s.byAudit[e.AuditID] = append(s.byAudit[e.AuditID], e)
}

// replay loads the newest day file. Undecodable lines are skipped.
func (s *JSONLStore) replay() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil || len(files) == 0 {
		return err
	}
	slices.Sort(files)

	f, err := os.Open(files[len(files)-1])
	if err != nil {
		return fmt.Errorf("opening journal file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e api.Event
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		s.retain(&e)
	}
	return sc.Err()
}

type subscriber struct {
	filter api.QueryFilter
	ch     chan *api.Event
	once   sync.Once
}

// offer is called with the store lock held, so it never races close.
func (sub *subscriber) offer(e *api.Event) {
	if !sub.filter.Matches(e) {
		return
	}
	select {
	case sub.ch <- e:
	default:
	}
}

func (sub *subscriber) close() {
	sub.once.Do(func() { close(sub.ch) })
}

// tally accumulates lifetime statistics.
type tally struct {
	total       int
	byKind      map[api.EventKind]int
	byComponent map[string]int
	inFlight    map[string]struct{}
	finished    int
	processing  time.Duration
}

func newTally() tally {
	return tally{
		byKind:      make(map[api.EventKind]int),
		byComponent: make(map[string]int),
		inFlight:    make(map[string]struct{}),
	}
}

func (t *tally) add(e *api.Event) {
	t.total++
	t.byKind[e.Kind]++
	switch e.Kind {
	case api.EventCreated:
		if e.Component != "" {
			t.byComponent[e.Component]++
		}
	case api.EventProcessing:
		t.inFlight[e.AuditID] = struct{}{}
	case api.EventCompleted, api.EventFailed:
		delete(t.inFlight, e.AuditID)
		if e.Duration > 0 {
			t.finished++
			t.processing += e.Duration
		}
	}
}

func (t *tally) snapshot() *api.JournalStats {
	out := &api.JournalStats{
		TotalEvents: t.total,
		ByKind:      make(map[api.EventKind]int, len(t.byKind)),
		ByComponent: make(map[string]int, len(t.byComponent)),
		InFlight:    len(t.inFlight),
	}
	for k, v := range t.byKind {
		out.ByKind[k] = v
	}
	for k, v := range t.byComponent {
		out.ByComponent[k] = v
	}
	if t.finished > 0 {
		out.MeanProcessingMs = (t.processing / time.Duration(t.finished)).Milliseconds()
	}
	return out
}
