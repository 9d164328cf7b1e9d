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

// Package zco implements shared payload content.
//
// A content object is an ordered list of extents, each a range of a heap
// buffer or of a file, optionally wrapped in header and trailer capsules.
// Objects are reached through references: AddReference hands out another
// reference to the same object and Destroy drops one. When the last
// reference to an object is destroyed its extents are released, and a
// source buffer or file is released once no extent of any object uses it.
// Files registered for cleanup are removed at that point.
//
// Every mutation takes the store transaction it belongs to and is reverted
// if that transaction is cancelled.
package zco

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/blinklabs-io/gobp/store"
)

var (
	ErrUnknownReference = errors.New("zco: unknown reference")
	ErrOutOfRange       = errors.New("zco: range exceeds content")
)

// Ref identifies one reference to a content object. The zero Ref refers to
// nothing.
type Ref uint64

// IsZero reports whether r is the nil reference
func (r Ref) IsZero() bool {
	return r == 0
}

type source struct {
	data    []byte
	path    string
	refs    int
	cleanup bool
}

func (s *source) isFile() bool {
	return s.path != ""
}

type extent struct {
	src    *source
	offset int64
	length int64
}

type object struct {
	refs     int
	headers  [][]byte
	extents  []extent
	trailers [][]byte
	length   int64
}

// Pool holds all content objects of a node
type Pool struct {
	mu            sync.Mutex
	refs          map[Ref]*object
	files         map[string]*source
	nextRef       Ref
	heapOccupancy int64
	fileOccupancy int64
	logger        *slog.Logger
}

// NewPool creates an empty pool
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		refs:   make(map[Ref]*object),
		files:  make(map[string]*source),
		logger: logger,
	}
}

// HeapOccupancy returns the bytes held in heap sources
func (p *Pool) HeapOccupancy() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heapOccupancy
}

// FileOccupancy returns the bytes of file extents currently referenced
func (p *Pool) FileOccupancy() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fileOccupancy
}

// Len returns the number of live references
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refs)
}

func (p *Pool) lookup(r Ref) (*object, error) {
	obj, ok := p.refs[r]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReference, r)
	}
	return obj, nil
}

func (p *Pool) newRef(t *store.Txn, obj *object) Ref {
	p.nextRef++
	r := p.nextRef
	p.refs[r] = obj
	obj.refs++
	t.OnCancel(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.refs, r)
		obj.refs--
	})
	return r
}

func (p *Pool) holdSource(t *store.Txn, src *source, length int64) {
	src.refs++
	if src.isFile() {
		p.fileOccupancy += length
	}
	t.OnCancel(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		src.refs--
		if src.isFile() {
			p.fileOccupancy -= length
		}
	})
}

// releaseSource drops one extent's hold on src. Heap buffers are forgotten
// and cleanup files are removed when the last hold goes away, but only once
// the transaction commits.
func (p *Pool) releaseSource(t *store.Txn, src *source, length int64) {
	src.refs--
	if src.isFile() {
		p.fileOccupancy -= length
	}
	t.OnCancel(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		src.refs++
		if src.isFile() {
			p.fileOccupancy += length
		}
	})
	if src.refs > 0 {
		return
	}
	if !src.isFile() {
		size := int64(len(src.data))
		p.heapOccupancy -= size
		t.OnCancel(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.heapOccupancy += size
		})
		return
	}
	if p.files[src.path] == src {
		delete(p.files, src.path)
		t.OnCancel(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.files[src.path] = src
		})
	}
	if src.cleanup {
		path := src.path
		t.OnCommit(func() {
			p.mu.Lock()
			reused := p.files[path] != nil
			p.mu.Unlock()
			if reused {
				return
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger.Warn("failed to remove content file", "path", path, "error", err)
			}
		})
	}
}

// Create makes a new, empty content object and returns its first reference
func (p *Pool) Create(t *store.Txn) Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newRef(t, &object{})
}

// CreateFromBytes makes a content object holding a copy of data
func (p *Pool) CreateFromBytes(t *store.Txn, data []byte) Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj := &object{}
	r := p.newRef(t, obj)
	if len(data) > 0 {
		p.appendHeapLocked(t, obj, data)
	}
	return r
}

func (p *Pool) appendHeapLocked(t *store.Txn, obj *object, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	src := &source{data: buf}
	size := int64(len(buf))
	p.heapOccupancy += size
	t.OnCancel(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.heapOccupancy -= size
	})
	p.appendExtentLocked(t, obj, extent{src: src, offset: 0, length: size})
}

func (p *Pool) appendExtentLocked(t *store.Txn, obj *object, ext extent) {
	p.holdSource(t, ext.src, ext.length)
	prevLen := obj.length
	prevCount := len(obj.extents)
	obj.extents = append(obj.extents, ext)
	obj.length += ext.length
	t.OnCancel(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		obj.extents = obj.extents[:prevCount]
		obj.length = prevLen
	})
}

// AppendBytes appends a copy of data to the content of r
func (p *Pool) AppendBytes(t *store.Txn, r Ref, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		p.appendHeapLocked(t, obj, data)
	}
	return nil
}

// AppendFile appends length bytes of the file at path starting at offset.
// Extents of the same path share one source; when cleanup is set the file is
// removed once no extent refers to it anymore.
func (p *Pool) AppendFile(t *store.Txn, r Ref, path string, offset, length int64, cleanup bool) error {
	if offset < 0 || length < 0 {
		return ErrOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	src, ok := p.files[path]
	if !ok {
		src = &source{path: path, cleanup: cleanup}
		p.files[path] = src
		t.OnCancel(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.files, path)
		})
	}
	p.appendExtentLocked(t, obj, extent{src: src, offset: offset, length: length})
	return nil
}

// Clone makes a new content object holding length bytes of the source data
// of r starting at offset. Capsules are not cloned. The new object shares
// sources with r.
func (p *Pool) Clone(t *store.Txn, r Ref, offset, length int64) (Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return 0, err
	}
	if offset < 0 || length < 0 || offset+length > obj.length {
		return 0, fmt.Errorf("%w: %d+%d of %d", ErrOutOfRange, offset, length, obj.length)
	}
	dst := &object{}
	ret := p.newRef(t, dst)
	p.cloneRangeLocked(t, obj, dst, offset, length)
	return ret, nil
}

// AppendRange appends length bytes of the source data of from, starting at
// offset, to the content of r
func (p *Pool) AppendRange(t *store.Txn, r, from Ref, offset, length int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dst, err := p.lookup(r)
	if err != nil {
		return err
	}
	obj, err := p.lookup(from)
	if err != nil {
		return err
	}
	if offset < 0 || length < 0 || offset+length > obj.length {
		return fmt.Errorf("%w: %d+%d of %d", ErrOutOfRange, offset, length, obj.length)
	}
	p.cloneRangeLocked(t, obj, dst, offset, length)
	return nil
}

func (p *Pool) cloneRangeLocked(t *store.Txn, obj, dst *object, offset, length int64) {
	// Snapshot, since dst may be obj
	extents := append([]extent(nil), obj.extents...)
	pos := int64(0)
	for _, ext := range extents {
		if length == 0 {
			break
		}
		end := pos + ext.length
		if offset >= end {
			pos = end
			continue
		}
		skip := offset - pos
		take := min(ext.length-skip, length)
		p.appendExtentLocked(t, dst, extent{
			src:    ext.src,
			offset: ext.offset + skip,
			length: take,
		})
		offset += take
		length -= take
		pos = end
	}
}

// AddReference returns a new reference to the object r refers to
func (p *Pool) AddReference(t *store.Txn, r Ref) (Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return 0, err
	}
	return p.newRef(t, obj), nil
}

// Destroy drops reference r. The object is released with its last reference.
func (p *Pool) Destroy(t *store.Txn, r Ref) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return err
	}
	delete(p.refs, r)
	obj.refs--
	t.OnCancel(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.refs[r] = obj
		obj.refs++
	})
	if obj.refs > 0 {
		return nil
	}
	for _, ext := range obj.extents {
		p.releaseSource(t, ext.src, ext.length)
	}
	return nil
}

// PrependHeader wraps the content of r in a header capsule
func (p *Pool) PrependHeader(t *store.Txn, r Ref, header []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return err
	}
	prev := obj.headers
	obj.headers = append([][]byte{append([]byte(nil), header...)}, prev...)
	t.OnCancel(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		obj.headers = prev
	})
	return nil
}

// AppendTrailer wraps the content of r in a trailer capsule
func (p *Pool) AppendTrailer(t *store.Txn, r Ref, trailer []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return err
	}
	prev := obj.trailers
	obj.trailers = append(append([][]byte(nil), prev...), append([]byte(nil), trailer...))
	t.OnCancel(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		obj.trailers = prev
	})
	return nil
}

// Strip discards all header and trailer capsules of r
func (p *Pool) Strip(t *store.Txn, r Ref) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return err
	}
	prevH, prevT := obj.headers, obj.trailers
	obj.headers, obj.trailers = nil, nil
	t.OnCancel(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		obj.headers, obj.trailers = prevH, prevT
	})
	return nil
}

// SourceLength returns the length of the content of r without capsules
func (p *Pool) SourceLength(r Ref) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return 0, err
	}
	return obj.length, nil
}

// Length returns the length of the content of r including capsules
func (p *Pool) Length(r Ref) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(r)
	if err != nil {
		return 0, err
	}
	total := obj.length
	for _, h := range obj.headers {
		total += int64(len(h))
	}
	for _, tr := range obj.trailers {
		total += int64(len(tr))
	}
	return total, nil
}

// Bytes returns the full content of r, capsules included
func (p *Pool) Bytes(r Ref) ([]byte, error) {
	p.mu.Lock()
	obj, err := p.lookup(r)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	headers := obj.headers
	extents := append([]extent(nil), obj.extents...)
	trailers := obj.trailers
	p.mu.Unlock()
	var ret []byte
	for _, h := range headers {
		ret = append(ret, h...)
	}
	for _, ext := range extents {
		var err error
		ret, err = appendExtent(ret, ext)
		if err != nil {
			return nil, err
		}
	}
	for _, tr := range trailers {
		ret = append(ret, tr...)
	}
	return ret, nil
}

// SourceBytes returns length bytes of the source data of r from offset
func (p *Pool) SourceBytes(r Ref, offset, length int64) ([]byte, error) {
	p.mu.Lock()
	obj, err := p.lookup(r)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > obj.length {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d+%d of %d", ErrOutOfRange, offset, length, obj.length)
	}
	extents := append([]extent(nil), obj.extents...)
	p.mu.Unlock()
	ret := make([]byte, 0, length)
	pos := int64(0)
	for _, ext := range extents {
		if length == 0 {
			break
		}
		end := pos + ext.length
		if offset >= end {
			pos = end
			continue
		}
		skip := offset - pos
		take := min(ext.length-skip, length)
		ret, err = appendExtent(ret, extent{src: ext.src, offset: ext.offset + skip, length: take})
		if err != nil {
			return nil, err
		}
		offset += take
		length -= take
		pos = end
	}
	return ret, nil
}

func appendExtent(dst []byte, ext extent) ([]byte, error) {
	if !ext.src.isFile() {
		return append(dst, ext.src.data[ext.offset:ext.offset+ext.length]...), nil
	}
	f, err := os.Open(ext.src.path)
	if err != nil {
		return nil, fmt.Errorf("open content file: %w", err)
	}
	defer f.Close()
	start := len(dst)
	dst = append(dst, make([]byte, ext.length)...)
	if _, err := f.ReadAt(dst[start:], ext.offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read content file: %w", err)
	}
	return dst, nil
}
