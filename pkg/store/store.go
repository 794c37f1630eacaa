package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
)

var (
	ErrNotFound    = errors.New("conversation not found")
	ErrPersistence = errors.New("persistence error")
	ErrEmptyID     = errors.New("conversation id is empty")
)

// Store persists conversations.
//
// Save is an idempotent upsert: a conversation without an id is created and the
// new id returned, a conversation with an id is replaced in place. Save does not
// modify its argument. Every failure is reported as a *PersistenceError.
type Store interface {
	Load(ctx context.Context, id string) (*conversation.Conversation, error)
	Save(ctx context.Context, c *conversation.Conversation) (string, error)
	// List returns summaries, most recently updated first.
	List(ctx context.Context) ([]conversation.Summary, error)
	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, id string, title string) error
}

// PersistenceError reports a failed store call. The cause stays reachable through
// errors.Is, so a missing conversation matches ErrNotFound.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ErrPersistence.Error()
	}
	if e.ID == "" {
		return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %q: %v", ErrPersistence, e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceError(op string, id string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, ID: id, Err: err}
}

// Filter keeps the summaries whose title matches the glob pattern. An empty
// pattern keeps everything.
func Filter(summaries []conversation.Summary, pattern string) ([]conversation.Summary, error) {
	if pattern == "" {
		return summaries, nil
	}
	ret := make([]conversation.Summary, 0, len(summaries))
	for _, s := range summaries {
		ok, err := glob.Match(pattern, s.Title)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid title pattern %q", pattern)
		}
		if ok {
			ret = append(ret, s)
		}
	}
	return ret, nil
}

func sortSummaries(summaries []conversation.Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
}
