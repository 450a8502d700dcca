package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"formcraft/api/internal/clock"
	"formcraft/api/internal/store"
)

const (
	formsCachePrefix = "forms:"
	formsListKey     = "forms:list"
	tempIDPrefix     = "temp_"
)

var (
	// ErrStale is returned when a result arrives after an identity change.
	ErrStale       = errors.New("client: result discarded after identity change")
	ErrFormMissing = errors.New("client: form not loaded")
)

// IsTemporary reports whether id is an optimistic placeholder that the
// server has not confirmed yet.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// FormsSlice is the caller's form list with optimistic writes. Forms
// created while offline carry a temporary id until their create replays;
// resolved maps those ids to the server's so queued updates and deletes
// reach the right form.
type FormsSlice struct {
	mu      sync.Mutex
	backend Backend
	clock   clock.Clock
	cache   *Cache
	ops     *Operations
	plan    *PlanSlice
	offline *OfflineQueue

	forms    []store.Form
	resolved map[string]string
	lastErr  error
}

// Load serves the cached list when fresh, otherwise fetches it. While
// mutations are queued the local list is authoritative and is returned
// as is.
func (f *FormsSlice) Load(ctx context.Context) ([]store.Form, error) {
	if len(f.offline.Pending()) > 0 {
		return f.Forms(), nil
	}
	if cached, ok := f.cache.Get(formsListKey); ok {
		return f.adopt(cached.([]store.Form)), nil
	}

	token := f.ops.Begin()
	defer f.ops.End(token)
	forms, err := f.backend.ListForms(ctx)
	if !f.ops.Valid(token) {
		return nil, ErrStale
	}
	if err != nil {
		f.setErr(err)
		return nil, err
	}
	f.cache.Set(formsListKey, cloneForms(forms), 0)
	f.setErr(nil)
	return f.adopt(forms), nil
}

// adopt installs remote as the list, keeping placeholders whose create has
// not been confirmed.
func (f *FormsSlice) adopt(remote []store.Form) []store.Form {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := cloneForms(remote)
	for _, local := range f.forms {
		if IsTemporary(local.ID) {
			merged = append(merged, local)
		}
	}
	f.forms = merged
	return cloneForms(merged)
}

// Create inserts a placeholder immediately and swaps in the server copy
// when it arrives. Offline, the create is queued and the placeholder is
// returned.
func (f *FormsSlice) Create(ctx context.Context, input FormInput) (store.Form, error) {
	f.mu.Lock()
	count := len(f.forms)
	f.mu.Unlock()
	if err := f.plan.checkQuota(count); err != nil {
		f.setErr(err)
		return store.Form{}, err
	}

	now := f.clock.Now().UTC()
	temp := store.Form{
		ID:              tempIDPrefix + uuid.NewString(),
		Name:            input.Name,
		Description:     input.Description,
		Fields:          input.Fields,
		IsPublic:        input.IsPublic,
		KnowledgeBaseID: input.KnowledgeBaseID,
		ChatFlow:        input.ChatFlow,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	f.mu.Lock()
	f.forms = append(f.forms, temp)
	f.mu.Unlock()
	f.cache.Invalidate(formsCachePrefix)

	op := Op{
		Kind: "create-form",
		Key:  temp.ID,
		Run: func(ctx context.Context) error {
			form, err := f.backend.CreateForm(ctx, input)
			if err != nil {
				return err
			}
			f.confirm(temp.ID, form)
			return nil
		},
		OnDrop: func(error) { f.discard(temp.ID) },
	}

	if !f.offline.Online() {
		f.offline.Enqueue(op)
		return temp, nil
	}

	token := f.ops.Begin()
	defer f.ops.End(token)
	form, err := f.backend.CreateForm(ctx, input)
	if !f.ops.Valid(token) {
		return store.Form{}, ErrStale
	}
	if err != nil {
		if f.queueIfUnreachable(ctx, err, op) {
			return temp, nil
		}
		f.discard(temp.ID)
		f.setErr(err)
		return store.Form{}, err
	}
	f.confirm(temp.ID, form)
	// Mutations made against the placeholder while the create was in
	// flight were queued behind it.
	f.offline.Flush(ctx)
	return form, nil
}

// Update applies input locally first and restores the previous copy if the
// server rejects it. id may be a placeholder id.
func (f *FormsSlice) Update(ctx context.Context, id string, input FormInput) (store.Form, error) {
	id = f.resolve(id)
	f.mu.Lock()
	idx := f.indexOf(id)
	if idx < 0 {
		f.mu.Unlock()
		return store.Form{}, fmt.Errorf("%w: %s", ErrFormMissing, id)
	}
	snapshot := f.forms[idx]
	optimistic := snapshot
	optimistic.Name = input.Name
	optimistic.Description = input.Description
	optimistic.Fields = input.Fields
	optimistic.IsPublic = input.IsPublic
	optimistic.KnowledgeBaseID = input.KnowledgeBaseID
	optimistic.ChatFlow = input.ChatFlow
	optimistic.UpdatedAt = f.clock.Now().UTC()
	f.forms[idx] = optimistic
	f.mu.Unlock()
	f.cache.Invalidate(formsCachePrefix)

	op := Op{
		Kind: "update-form",
		Key:  id,
		Run: func(ctx context.Context) error {
			target := f.resolve(id)
			if IsTemporary(target) {
				return fmt.Errorf("%w: create for %s not confirmed", ErrFormMissing, id)
			}
			form, err := f.backend.UpdateForm(ctx, target, input)
			if err != nil {
				return err
			}
			f.replace(target, form)
			return nil
		},
		OnDrop: func(error) {
			restored := snapshot
			restored.ID = f.resolve(id)
			f.replace(restored.ID, restored)
		},
	}

	if !f.offline.Online() || IsTemporary(id) {
		f.offline.Enqueue(op)
		return optimistic, nil
	}

	token := f.ops.Begin()
	defer f.ops.End(token)
	form, err := f.backend.UpdateForm(ctx, id, input)
	if !f.ops.Valid(token) {
		return store.Form{}, ErrStale
	}
	if err != nil {
		if f.queueIfUnreachable(ctx, err, op) {
			return optimistic, nil
		}
		f.replace(id, snapshot)
		f.setErr(err)
		return store.Form{}, err
	}
	f.replace(id, form)
	return form, nil
}

// Delete removes the form locally and re-inserts it at its original
// position if the server call fails. Deleting a placeholder whose create
// is still queued cancels the queued work without a remote call.
func (f *FormsSlice) Delete(ctx context.Context, id string) error {
	id = f.resolve(id)
	f.mu.Lock()
	idx := f.indexOf(id)
	if idx < 0 {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFormMissing, id)
	}
	snapshot := f.forms[idx]
	f.forms = append(f.forms[:idx:idx], f.forms[idx+1:]...)
	f.mu.Unlock()
	f.cache.Invalidate(formsCachePrefix)

	if IsTemporary(id) {
		cancelled := f.offline.RemoveWhere(func(op Op) bool { return op.Key == id })
		for _, op := range cancelled {
			if op.Kind == "create-form" {
				return nil
			}
		}
	}

	op := Op{
		Kind: "delete-form",
		Key:  id,
		Run: func(ctx context.Context) error {
			target := f.resolve(id)
			if IsTemporary(target) {
				return fmt.Errorf("%w: create for %s not confirmed", ErrFormMissing, id)
			}
			if err := f.backend.DeleteForm(ctx, target); err != nil {
				return err
			}
			f.cache.Invalidate(formsCachePrefix)
			return nil
		},
		OnDrop: func(error) {
			restored := snapshot
			restored.ID = f.resolve(id)
			f.insertAt(idx, restored)
		},
	}

	if !f.offline.Online() || IsTemporary(id) {
		f.offline.Enqueue(op)
		return nil
	}

	token := f.ops.Begin()
	defer f.ops.End(token)
	err := f.backend.DeleteForm(ctx, id)
	if !f.ops.Valid(token) {
		return ErrStale
	}
	if err != nil {
		if f.queueIfUnreachable(ctx, err, op) {
			return nil
		}
		f.insertAt(idx, snapshot)
		f.setErr(err)
		return err
	}
	f.cache.Invalidate(formsCachePrefix)
	return nil
}

// Forms returns a copy of the current list.
func (f *FormsSlice) Forms() []store.Form {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneForms(f.forms)
}

func (f *FormsSlice) Get(id string) (store.Form, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx := f.indexOf(id); idx >= 0 {
		return f.forms[idx], true
	}
	return store.Form{}, false
}

func (f *FormsSlice) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// queueIfUnreachable switches to offline mode and queues op when err is a
// transport failure.
func (f *FormsSlice) queueIfUnreachable(ctx context.Context, err error, op Op) bool {
	if !errors.Is(err, ErrUnreachable) {
		return false
	}
	f.offline.SetOnline(ctx, false)
	f.offline.Enqueue(op)
	return true
}

func (f *FormsSlice) indexOf(id string) int {
	for i := range f.forms {
		if f.forms[i].ID == id {
			return i
		}
	}
	return -1
}

// resolve maps a placeholder id to the server id once its create has been
// confirmed.
func (f *FormsSlice) resolve(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if serverID, ok := f.resolved[id]; ok {
		return serverID
	}
	return id
}

// confirm records the server id for a placeholder and swaps in the server
// copy. A placeholder deleted locally in the meantime stays deleted.
func (f *FormsSlice) confirm(tempID string, form store.Form) {
	f.mu.Lock()
	if f.resolved == nil {
		f.resolved = make(map[string]string)
	}
	f.resolved[tempID] = form.ID
	f.mu.Unlock()
	f.replace(tempID, form)
}

func (f *FormsSlice) replace(id string, form store.Form) {
	f.mu.Lock()
	if idx := f.indexOf(id); idx >= 0 {
		f.forms[idx] = form
	}
	f.lastErr = nil
	f.mu.Unlock()
	f.cache.Invalidate(formsCachePrefix)
}

// discard rolls back a placeholder whose create failed, along with any
// mutations queued against it.
func (f *FormsSlice) discard(tempID string) {
	f.offline.RemoveWhere(func(op Op) bool { return op.Key == tempID })
	f.remove(tempID)
}

func (f *FormsSlice) remove(id string) {
	f.mu.Lock()
	if idx := f.indexOf(id); idx >= 0 {
		f.forms = append(f.forms[:idx:idx], f.forms[idx+1:]...)
	}
	f.mu.Unlock()
}

func (f *FormsSlice) insertAt(idx int, form store.Form) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx > len(f.forms) {
		idx = len(f.forms)
	}
	f.forms = append(f.forms[:idx:idx], append([]store.Form{form}, f.forms[idx:]...)...)
}

func (f *FormsSlice) setErr(err error) {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
}

func (f *FormsSlice) reset() {
	f.mu.Lock()
	f.forms = nil
	f.resolved = nil
	f.lastErr = nil
	f.mu.Unlock()
}

func cloneForms(forms []store.Form) []store.Form {
	if forms == nil {
		return nil
	}
	return append([]store.Form(nil), forms...)
}
