package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Store holds the live configuration document and serializes updates. Readers
// never block: Current loads an atomic pointer, so a commit is a single
// pointer swap and concurrent readers see old-or-new, never a partial mix.
type Store struct {
	current atomic.Pointer[Document]

	mu   sync.Mutex
	subs []func(*Document)

	logger *zap.Logger
}

// Staged is a validated candidate document bound to the caller that prepared
// it. Staging is per-caller, so an update committed by one caller can never
// publish a document another caller staged in the meantime.
type Staged struct {
	store *Store

	mu  sync.Mutex
	doc *Document
}

// NewStore validates doc and installs it as the initial document.
func NewStore(doc *Document, logger *zap.Logger) (*Store, error) {
	if doc == nil {
		doc = &Document{}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger.Named("config")}
	s.current.Store(doc)
	return s, nil
}

// Current returns the live document. The returned value is shared and must be
// treated as read-only.
func (s *Store) Current() *Document {
	return s.current.Load()
}

// Prepare validates doc and returns it staged for the caller. The live
// document is untouched until the staged document is committed.
func (s *Store) Prepare(doc *Document) (*Staged, error) {
	if doc == nil {
		return nil, fmt.Errorf("config: nil document")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &Staged{store: s, doc: doc}, nil
}

// Commit swaps the staged document in as the live one and notifies
// subscribers. A staged document commits at most once; committing again, or
// after Rollback, is an error.
func (st *Staged) Commit() (*Document, error) {
	st.mu.Lock()
	doc := st.doc
	st.doc = nil
	st.mu.Unlock()
	if doc == nil {
		return nil, fmt.Errorf("config: commit of a discarded document")
	}
	st.store.publish(doc)
	return doc, nil
}

// Rollback discards the staged document.
func (st *Staged) Rollback() {
	st.mu.Lock()
	st.doc = nil
	st.mu.Unlock()
}

func (s *Store) publish(doc *Document) {
	s.mu.Lock()
	s.current.Store(doc)
	subs := append([]func(*Document){}, s.subs...)
	s.mu.Unlock()

	s.logger.Info("configuration committed",
		zap.Int("targets", len(doc.TargetServers)),
		zap.Int("profiles", len(doc.Permissions.Profiles)),
		zap.Int("customTools", len(doc.CustomTools)))
	for _, fn := range subs {
		fn(doc)
	}
}

// Apply is Prepare followed by Commit.
func (s *Store) Apply(doc *Document) error {
	staged, err := s.Prepare(doc)
	if err != nil {
		return err
	}
	_, err = staged.Commit()
	return err
}

// Subscribe registers fn to run after every successful commit. Subscribers
// run on the committing goroutine, in registration order.
func (s *Store) Subscribe(fn func(*Document)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}
