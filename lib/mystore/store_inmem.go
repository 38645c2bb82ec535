package mystore

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"sync"
	"time"
)

type InMemoryStore[T any] struct {
	sync.Mutex
	Items map[string]T
}

func NewInMemoryStore[T any](c context.Context) (*InMemoryStore[T], func(), error) {
	return &InMemoryStore[T]{
		Items: make(map[string]T),
	}, func() {}, nil
}

// inMemoryTransaction spans every in-memory store touched within RunInTransaction.
// Each store is locked on first use and unlocked (and rolled back on failure) when the transaction ends.
type inMemoryTransaction struct {
	enlisted  map[any]bool
	finishers []func(commit bool)
}

func (tx *inMemoryTransaction) finish(commit bool) {
	for i := len(tx.finishers) - 1; i >= 0; i-- {
		tx.finishers[i](commit)
	}
}

func (s *InMemoryStore[T]) enlist(tx *inMemoryTransaction) {
	if tx.enlisted[s] {
		return
	}

	s.Lock()
	snapshot := maps.Clone(s.Items)

	tx.enlisted[s] = true
	tx.finishers = append(tx.finishers, func(commit bool) {
		if !commit {
			s.Items = snapshot
		}
		s.Unlock()
	})
}

func (s *InMemoryStore[T]) RunInTransaction(c context.Context, f func(c context.Context) error) error {
	if tx, ok := c.Value(ctxTransactionKey{}).(*inMemoryTransaction); ok {
		// join the transaction that is already running
		s.enlist(tx)
		return f(c)
	}

	tx := &inMemoryTransaction{
		enlisted: map[any]bool{},
	}
	s.enlist(tx)

	// a panic in f rolls back as well
	committed := false
	defer func() {
		tx.finish(committed)
	}()

	err := f(context.WithValue(c, ctxTransactionKey{}, tx))
	committed = err == nil

	return err
}

func (s *InMemoryStore[T]) access(c context.Context, f func()) {
	tx, ok := c.Value(ctxTransactionKey{}).(*inMemoryTransaction)
	if ok {
		s.enlist(tx)
		f()
		return
	}

	s.Lock()
	defer s.Unlock()
	f()
}

func (s *InMemoryStore[T]) Put(c context.Context, uid string, value T) error {
	s.access(c, func() {
		s.Items[uid] = value
	})

	return nil
}

func (s *InMemoryStore[T]) Get(c context.Context, uid string) (T, bool, error) {
	var result T
	var exists bool

	s.access(c, func() {
		result, exists = s.Items[uid]
	})

	return result, exists, nil
}

func (s *InMemoryStore[T]) List(c context.Context) ([]T, error) {
	result := []T{}

	s.access(c, func() {
		for _, v := range s.Items {
			result = append(result, v)
		}
	})

	return result, nil
}

func (s *InMemoryStore[T]) Query(c context.Context, filters []Filter, orderByField string) ([]T, error) {
	all, err := s.List(c)
	if err != nil {
		return nil, err
	}

	result := []T{}
	for _, item := range all {
		matches, err := matchesAll(item, filters)
		if err != nil {
			return nil, err
		}
		if matches {
			result = append(result, item)
		}
	}

	if orderByField != "" {
		sort.SliceStable(result, func(i, j int) bool {
			return less(fieldOf(result[i], orderByField), fieldOf(result[j], orderByField))
		})
	}

	return result, nil
}

func matchesAll(item any, filters []Filter) (bool, error) {
	for _, f := range filters {
		field := fieldOf(item, f.Field)
		if !field.IsValid() {
			return false, fmt.Errorf("unknown field %s", f.Field)
		}

		equal := reflect.DeepEqual(field.Interface(), f.Value)
		switch f.Compare {
		case "=":
			if !equal {
				return false, nil
			}
		case "!=":
			if equal {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported comparison %s", f.Compare)
		}
	}
	return true, nil
}

func fieldOf(item any, name string) reflect.Value {
	v := reflect.ValueOf(item)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}
	}
	return v.FieldByName(name)
}

func less(a, b reflect.Value) bool {
	if !a.IsValid() || !b.IsValid() {
		return false
	}

	switch a.Kind() {
	case reflect.String:
		return a.String() < b.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return a.Int() < b.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return a.Uint() < b.Uint()
	case reflect.Float32, reflect.Float64:
		return a.Float() < b.Float()
	}

	ta, okA := a.Interface().(time.Time)
	tb, okB := b.Interface().(time.Time)
	if okA && okB {
		return ta.Before(tb)
	}

	return false
}
