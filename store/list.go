// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

type listElt[T any] struct {
	prev Handle
	next Handle
	data T
}

// List is a doubly linked list whose elements are addressed by handles, so
// that other records can hold a reference to their position in the list
type List[T any] struct {
	name   string
	elts   *Arena[listElt[T]]
	head   Handle
	tail   Handle
	length int
}

// NewList creates an empty list
func NewList[T any](name string) *List[T] {
	return &List[T]{
		name: name,
		elts: NewArena[listElt[T]](name),
	}
}

// Name returns the list name
func (l *List[T]) Name() string {
	return l.name
}

// Len returns the number of elements
func (l *List[T]) Len() int {
	return l.length
}

// First returns the first element, or the zero handle
func (l *List[T]) First() Handle {
	return l.head
}

// Last returns the last element, or the zero handle
func (l *List[T]) Last() Handle {
	return l.tail
}

// Next returns the element after elt
func (l *List[T]) Next(elt Handle) Handle {
	e, ok := l.elts.Get(elt)
	if !ok {
		return Handle{}
	}
	return e.next
}

// Prev returns the element before elt
func (l *List[T]) Prev(elt Handle) Handle {
	e, ok := l.elts.Get(elt)
	if !ok {
		return Handle{}
	}
	return e.prev
}

// Contains reports whether elt is a live element of this list
func (l *List[T]) Contains(elt Handle) bool {
	return l.elts.Valid(elt)
}

// Data returns the value held by elt
func (l *List[T]) Data(elt Handle) (T, bool) {
	e, ok := l.elts.Get(elt)
	return e.data, ok
}

// SetData replaces the value held by elt
func (l *List[T]) SetData(t *Txn, elt Handle, v T) error {
	e, err := l.elts.lookup(elt)
	if err != nil {
		return err
	}
	ne := e.value
	ne.data = v
	return l.elts.Write(t, elt, ne)
}

func (l *List[T]) setNext(t *Txn, elt, next Handle) error {
	if elt.IsZero() {
		Assign(t, &l.head, next)
		return nil
	}
	e, err := l.elts.lookup(elt)
	if err != nil {
		return err
	}
	ne := e.value
	ne.next = next
	return l.elts.Write(t, elt, ne)
}

func (l *List[T]) setPrev(t *Txn, elt, prev Handle) error {
	if elt.IsZero() {
		Assign(t, &l.tail, prev)
		return nil
	}
	e, err := l.elts.lookup(elt)
	if err != nil {
		return err
	}
	ne := e.value
	ne.prev = prev
	return l.elts.Write(t, elt, ne)
}

// insert links a new element between prev and next, either of which may be
// zero for the list boundaries
func (l *List[T]) insert(t *Txn, prev, next Handle, v T) (Handle, error) {
	h, err := l.elts.Alloc(t, listElt[T]{prev: prev, next: next, data: v})
	if err != nil {
		return Handle{}, err
	}
	if err := l.setNext(t, prev, h); err != nil {
		return Handle{}, err
	}
	if err := l.setPrev(t, next, h); err != nil {
		return Handle{}, err
	}
	Assign(t, &l.length, l.length+1)
	return h, nil
}

// InsertFirst inserts v at the head
func (l *List[T]) InsertFirst(t *Txn, v T) (Handle, error) {
	return l.insert(t, Handle{}, l.head, v)
}

// InsertLast inserts v at the tail
func (l *List[T]) InsertLast(t *Txn, v T) (Handle, error) {
	return l.insert(t, l.tail, Handle{}, v)
}

// InsertBefore inserts v immediately before elt
func (l *List[T]) InsertBefore(t *Txn, elt Handle, v T) (Handle, error) {
	e, err := l.elts.lookup(elt)
	if err != nil {
		return Handle{}, err
	}
	return l.insert(t, e.value.prev, elt, v)
}

// InsertAfter inserts v immediately after elt
func (l *List[T]) InsertAfter(t *Txn, elt Handle, v T) (Handle, error) {
	e, err := l.elts.lookup(elt)
	if err != nil {
		return Handle{}, err
	}
	return l.insert(t, elt, e.value.next, v)
}

// Delete unlinks elt and invalidates its handle
func (l *List[T]) Delete(t *Txn, elt Handle) error {
	e, err := l.elts.lookup(elt)
	if err != nil {
		return err
	}
	prev, next := e.value.prev, e.value.next
	if err := l.setNext(t, prev, next); err != nil {
		return err
	}
	if err := l.setPrev(t, next, prev); err != nil {
		return err
	}
	if err := l.elts.Free(t, elt); err != nil {
		return err
	}
	Assign(t, &l.length, l.length-1)
	return nil
}

// Values returns the list contents in order
func (l *List[T]) Values() []T {
	ret := make([]T, 0, l.length)
	for elt := l.head; !elt.IsZero(); elt = l.Next(elt) {
		v, _ := l.Data(elt)
		ret = append(ret, v)
	}
	return ret
}
