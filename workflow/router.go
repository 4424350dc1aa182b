//
// Tencent is pleased to support the open source community by making trpc-workflow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-workflow-go is licensed under the Apache License Version 2.0.
//
//

package workflow

import (
	"fmt"
	"reflect"
	"sync"
)

// router resolves message types to handler indexes for one executor.
//
// Resolution follows the most-specific match rule: an exact type match
// always wins; otherwise interface handlers compete and the one whose type
// is implemented by all other matching handler types wins. Two matches at
// equal specificity are ambiguous. Results, including failures, are cached
// per message type so repeated deliveries resolve identically.
type router struct {
	executorID   string
	handlerTypes []reflect.Type

	cache sync.Map // reflect.Type -> routeResult
}

type routeResult struct {
	index int
	err   error
}

func newRouter(executorID string, handlers []Handler) (*router, error) {
	types := make([]reflect.Type, len(handlers))
	seen := make(map[reflect.Type]struct{}, len(handlers))
	for i, h := range handlers {
		t := h.MessageType()
		if t == nil {
			return nil, fmt.Errorf("executor %s: handler %d has no message type", executorID, i)
		}
		if _, dup := seen[t]; dup {
			return nil, fmt.Errorf("executor %s: duplicate handler for %s", executorID, t)
		}
		seen[t] = struct{}{}
		types[i] = t
	}
	return &router{executorID: executorID, handlerTypes: types}, nil
}

// resolve returns the index of the handler that accepts msgType. The error
// wraps ErrNoHandler when nothing matches and ErrAmbiguousHandler when two
// or more handlers match at equal specificity.
func (r *router) resolve(msgType reflect.Type) (int, error) {
	if cached, ok := r.cache.Load(msgType); ok {
		res := cached.(routeResult)
		return res.index, res.err
	}
	idx, err := r.resolveUncached(msgType)
	r.cache.Store(msgType, routeResult{index: idx, err: err})
	return idx, err
}

func (r *router) resolveUncached(msgType reflect.Type) (int, error) {
	var candidates []int
	for i, ht := range r.handlerTypes {
		if msgType == ht {
			// Exact match beats any interface match.
			return i, nil
		}
		if ht.Kind() == reflect.Interface && msgType.Implements(ht) {
			candidates = append(candidates, i)
		}
	}
	switch len(candidates) {
	case 0:
		return -1, fmt.Errorf("%w: executor %s, message type %s",
			ErrNoHandler, r.executorID, msgType)
	case 1:
		return candidates[0], nil
	}
	// Among interface matches the winner is the handler type that all other
	// matching handler types are satisfied by, i.e. the narrowest interface.
	winner := -1
	for _, i := range candidates {
		if r.moreSpecificThanAll(i, candidates) {
			if winner != -1 {
				winner = -1
				break
			}
			winner = i
		}
	}
	if winner == -1 {
		return -1, fmt.Errorf("%w: executor %s, message type %s matches %s",
			ErrAmbiguousHandler, r.executorID, msgType, r.candidateNames(candidates))
	}
	return winner, nil
}

// moreSpecificThanAll reports whether handler type i implements the handler
// type of every other candidate.
func (r *router) moreSpecificThanAll(i int, candidates []int) bool {
	ti := r.handlerTypes[i]
	for _, j := range candidates {
		if j == i {
			continue
		}
		if !ti.Implements(r.handlerTypes[j]) {
			return false
		}
	}
	return true
}

func (r *router) candidateNames(candidates []int) string {
	names := make([]byte, 0, 64)
	for n, i := range candidates {
		if n > 0 {
			names = append(names, ", "...)
		}
		names = append(names, r.handlerTypes[i].String()...)
	}
	return string(names)
}

// accepts reports whether a payload whose static type is declType is
// guaranteed to resolve on this router, and surfaces the resolution error
// otherwise. Used by build-time edge validation.
func (r *router) accepts(declType reflect.Type) error {
	_, err := r.resolve(declType)
	return err
}
