package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vltx-lol/vltx/internal/model"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
)

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]*model.Profile
	counters map[string]*model.Counter
	nextID   int

	// conflicts makes the next N upserting increments fail with a duplicate key
	// after creating the record, as a losing racer would observe.
	conflicts   int
	upsertErr   error
	counterErr  error
	getDelay    time.Duration
	afterGet    func(handle string)
	getCalls    atomic.Int32
	counterCall atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: map[string]*model.Profile{}, counters: map[string]*model.Counter{}}
}

func (s *fakeStore) UpsertProfile(_ context.Context, handle string, fields map[string]any, updatedAt int64) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[handle]
	if !ok {
		s.nextID++
		p = &model.Profile{ID: fmt.Sprintf("id-%d", s.nextID), Handle: handle}
		s.profiles[handle] = p
	}
	p.Fields = maps.Clone(fields)
	p.UpdatedAt = updatedAt
	return nil
}

func (s *fakeStore) GetProfile(_ context.Context, handle string) (*model.Profile, error) {
	s.getCalls.Add(1)
	if s.getDelay > 0 {
		time.Sleep(s.getDelay)
	}
	s.mu.Lock()
	p, ok := s.profiles[handle]
	if !ok {
		s.mu.Unlock()
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: handle}
	}
	cp := *p
	cp.Fields = maps.Clone(p.Fields)
	s.mu.Unlock()
	if s.afterGet != nil {
		s.afterGet(handle)
	}
	return &cp, nil
}

func (s *fakeStore) EnsureCounter(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[handle]; !ok {
		s.counters[handle] = &model.Counter{Handle: handle}
	}
	return nil
}

func (s *fakeStore) IncrementCounter(_ context.Context, handle string, field model.CounterField, upsert bool) (int64, error) {
	s.counterCall.Add(1)
	if s.counterErr != nil {
		return 0, s.counterErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[handle]
	if upsert && s.conflicts > 0 {
		s.conflicts--
		if !ok {
			s.counters[handle] = &model.Counter{Handle: handle}
		}
		return 0, &registrystore.ConflictError{Message: "duplicate key"}
	}
	if !ok {
		if !upsert {
			return 0, &registrystore.StoreError{Op: "increment", Err: errors.New("no record")}
		}
		c = &model.Counter{Handle: handle}
		s.counters[handle] = c
	}
	if field == model.CounterClicks {
		c.Clicks++
		return c.Clicks, nil
	}
	c.Views++
	return c.Views, nil
}

func (s *fakeStore) GetCounter(_ context.Context, handle string) (*model.Counter, error) {
	if s.counterErr != nil {
		return nil, s.counterErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[handle]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) Ping(context.Context) error  { return nil }
func (s *fakeStore) Connected() bool             { return true }
func (s *fakeStore) Close(context.Context) error { return nil }

var _ registrystore.ProfileStore = (*fakeStore)(nil)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*model.Profile
	removed []string
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string]*model.Profile{}} }

func (c *fakeCache) Available() bool { return true }

func (c *fakeCache) Get(_ context.Context, handle string) (*model.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[handle], nil
}

func (c *fakeCache) Set(_ context.Context, handle string, p *model.Profile, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[handle] = p
	return nil
}

func (c *fakeCache) Remove(_ context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, handle)
	c.removed = append(c.removed, handle)
	return nil
}

// fakeMedia records puts in memory. failAfter makes Put fail once that many
// bytes were read.
type fakeMedia struct {
	mu        sync.Mutex
	objects   map[string][]byte
	opts      map[string]registrymedia.PutOptions
	deleted   []string
	puts      int
	failAfter int64
	putErr    error
	onRead    func(n int64)
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{objects: map[string][]byte{}, opts: map[string]registrymedia.PutOptions{}, failAfter: -1}
}

func (m *fakeMedia) Put(_ context.Context, key string, body io.Reader, opts registrymedia.PutOptions) (string, error) {
	m.mu.Lock()
	m.puts++
	m.mu.Unlock()
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := body.Read(chunk)
		buf.Write(chunk[:n])
		if m.onRead != nil && n > 0 {
			m.onRead(int64(buf.Len()))
		}
		if m.failAfter >= 0 && int64(buf.Len()) >= m.failAfter {
			return "", m.putErr
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = buf.Bytes()
	m.opts[key] = opts
	return "https://cdn.test/" + key, nil
}

func (m *fakeMedia) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *fakeMedia) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

var _ registrymedia.MediaStore = (*fakeMedia)(nil)
