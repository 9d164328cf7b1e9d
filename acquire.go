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

package bp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/blinklabs-io/gobp/admin"
	"github.com/blinklabs-io/gobp/bundle"
	"github.com/blinklabs-io/gobp/eid"
	"github.com/blinklabs-io/gobp/extension"
	"github.com/blinklabs-io/gobp/sdnv"
	"github.com/blinklabs-io/gobp/store"
	"github.com/blinklabs-io/gobp/zco"
)

const (
	// blockHeaderWindow bounds how much of the stream is read to parse one
	// block header
	blockHeaderWindow = 4096
	// minBundleLength is the fewest bytes that can hold a primary block
	// and a payload block
	minBundleLength = 23
)

// AcqSession accumulates bytes received by an induct and acquires the
// bundles they contain
type AcqSession struct {
	ID uuid.UUID

	node      *Node
	induct    *Induct
	authentic bool
	sender    eid.EID

	mu             sync.Mutex
	machine        acqMachine
	closed         bool
	buf            []byte
	file           *os.File
	filePath       string
	fileLen        int64
	flushedFileLen int64
	content        zco.Ref
}

// BeginAcq starts an acquisition session for an induct. The convergence
// layer asserts whether the bytes are authentic and, if it knows, which
// node sent them.
func (n *Node) BeginAcq(inductKey string, authentic bool, sender eid.EID) (*AcqSession, error) {
	txn := n.store.Begin()
	d, ok := n.inducts[inductKey]
	txn.Cancel()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInduct, inductKey)
	}
	s := &AcqSession{
		ID:        uuid.New(),
		node:      n,
		induct:    d,
		authentic: authentic,
		sender:    sender,
		machine:   newAcqMachine(),
	}
	if err := s.machine.transition(StateAccumulating); err != nil {
		return nil, err
	}
	n.logger.Debug("acquisition started", "session", s.ID.String(), "induct", inductKey)
	return s, nil
}

// State returns the acquisition state of the session
func (s *AcqSession) State() AcqState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.current()
}

func (s *AcqSession) advance(to AcqState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.transition(to)
}

// Continue appends received bytes to the session. Bytes beyond the heap
// allowance spill to a file in the acquisition directory.
func (s *AcqSession) Continue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.file == nil && int64(len(s.buf)+len(data)) <= s.node.maxAcqInHeap {
		s.buf = append(s.buf, data...)
		return nil
	}
	if s.file == nil {
		path := filepath.Join(s.node.acqDir, "bpacq."+s.ID.String())
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("create acquisition file: %w", err)
		}
		s.file = f
		s.filePath = path
	}
	written, err := s.file.Write(data)
	s.fileLen += int64(written)
	if err != nil {
		return fmt.Errorf("write acquisition file: %w", err)
	}
	return nil
}

// Load appends existing content to the session, taking over the reference
func (s *AcqSession) Load(ref zco.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	n := s.node
	length, err := n.zco.SourceLength(ref)
	if err != nil {
		return err
	}
	txn := n.store.Begin()
	defer txn.Cancel()
	if err := s.flush(txn); err != nil {
		return err
	}
	if err := n.zco.AppendRange(txn, s.content, ref, 0, length); err != nil {
		return err
	}
	if err := n.zco.Destroy(txn, ref); err != nil {
		return err
	}
	return txn.Commit()
}

// flush moves buffered and spilled bytes into the session content
func (s *AcqSession) flush(txn *store.Txn) error {
	n := s.node
	if s.content.IsZero() {
		store.Assign(txn, &s.content, n.zco.Create(txn))
	}
	if err := n.zco.AppendBytes(txn, s.content, s.buf); err != nil {
		return err
	}
	store.Assign(txn, &s.buf, nil)
	if s.fileLen > s.flushedFileLen {
		if err := n.zco.AppendFile(txn, s.content, s.filePath, s.flushedFileLen, s.fileLen-s.flushedFileLen, true); err != nil {
			return err
		}
		store.Assign(txn, &s.flushedFileLen, s.fileLen)
	}
	return nil
}

func (s *AcqSession) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("close acquisition file: %w", err)
		}
	}
	txn := s.node.store.Begin()
	defer txn.Cancel()
	if err := s.flush(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// release drops the session content. Spill files go with the last
// reference to them.
func (s *AcqSession) release() error {
	txn := s.node.store.Begin()
	defer txn.Cancel()
	if !s.content.IsZero() {
		if err := s.node.zco.Destroy(txn, s.content); err != nil {
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	s.mu.Lock()
	s.content = 0
	s.machine.state = StateIdle
	s.mu.Unlock()
	return nil
}

// Cancel abandons the session and whatever it accumulated
func (s *AcqSession) Cancel() error {
	if err := s.close(); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return nil
		}
		return err
	}
	return s.release()
}

// End acquires every bundle in the accumulated bytes, one store
// transaction per bundle, and returns the decision for each. Parsing stops
// at the first malformed bundle. Each accepted bundle consumes induct
// capacity, so End blocks while the induct is over its rate.
func (s *AcqSession) End(ctx context.Context) ([]AcqDecision, error) {
	if err := s.close(); err != nil {
		return nil, err
	}
	n := s.node
	defer func() {
		if err := s.release(); err != nil {
			n.logger.Error("failed to release acquisition content", "session", s.ID.String(), "error", err)
		}
	}()
	total, err := n.zco.SourceLength(s.content)
	if err != nil {
		return nil, err
	}
	var decisions []AcqDecision
	for offset := int64(0); offset < total; {
		if cur := s.State(); cur != StateAccumulating {
			if err := s.advance(StateAccumulating); err != nil {
				return decisions, err
			}
		}
		decision, consumed, err := n.acquireOne(s, offset, total)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, decision)
		if decision == AcqMalformed {
			n.logger.Warn("malformed bundle, discarding rest of session", "session", s.ID.String(), "offset", offset)
			break
		}
		offset += consumed
		if decision == AcqAccepted {
			s.induct.throttle.Consume(s.induct.Protocol.cost(consumed))
			if err := s.induct.throttle.Wait(ctx); err != nil {
				return decisions, stopped(err)
			}
		}
	}
	return decisions, nil
}

// acqWork is the parse state of one inbound bundle
type acqWork struct {
	b          *bundle.Bundle
	blocks     extension.AcqBlocks
	payloadOff int64
	length     int64
	malformed  bool
	mustAbort  bool
}

func (n *Node) acqRead(s *AcqSession, offset, length int64) ([]byte, error) {
	return n.zco.SourceBytes(s.content, offset, length)
}

// parseBundle parses the bundle starting at offset. Encoding problems mark
// the work malformed; the error is reserved for system failures.
func (n *Node) parseBundle(s *AcqSession, offset, total int64) (*acqWork, error) {
	w := &acqWork{}
	avail := total - offset
	if avail < minBundleLength {
		n.logger.Debug("too few bytes for a bundle", "session", s.ID.String(), "bytes", avail)
		w.malformed = true
		return w, nil
	}
	head, err := n.acqRead(s, offset, min(avail, 1+2*sdnv.MaxLength))
	if err != nil {
		return nil, err
	}
	d := sdnv.NewDecoder(head[1:])
	_, flagsErr := d.Uint()
	residual, residualErr := d.Uint()
	if flagsErr != nil || residualErr != nil || residual > uint64(avail) {
		w.malformed = true
		return w, nil
	}
	primaryLen := int64(1+d.Offset()) + int64(residual)
	if primaryLen > avail {
		w.malformed = true
		return w, nil
	}
	primary, err := n.acqRead(s, offset, primaryLen)
	if err != nil {
		return nil, err
	}
	b, consumed, err := bundle.DecodePrimary(primary)
	if err != nil {
		n.logger.Debug("unparseable primary block", "session", s.ID.String(), "error", err)
		w.malformed = true
		return w, nil
	}
	w.b = b
	w.length = int64(consumed)
	if err := s.advance(StatePrimaryParsed); err != nil {
		return nil, err
	}
	if b.ProcFlags.SRR()&admin.ReportReceived != 0 {
		b.StatusRpt.Flags |= admin.ReportReceived
		b.StatusRpt.ReceiptTime = n.dtnNow()
	}
	var sawPayload, sawLast bool
	for !sawLast {
		pos := offset + w.length
		avail := total - pos
		if avail <= 0 {
			w.malformed = true
			return w, nil
		}
		win, err := n.acqRead(s, pos, min(avail, blockHeaderWindow))
		if err != nil {
			return nil, err
		}
		hdr, hdrLen, err := parseBlockHeader(win)
		if err != nil || hdr.DataLength > uint64(avail-int64(hdrLen)) {
			w.malformed = true
			return w, nil
		}
		dataPos := pos + int64(hdrLen)
		w.length += int64(hdrLen) + int64(hdr.DataLength)
		sawLast = hdr.Flags&bundle.BlockIsLast != 0
		flags := hdr.Flags &^ bundle.BlockIsLast
		if hdr.Type == bundle.PayloadBlockType {
			if sawPayload {
				w.malformed = true
				return w, nil
			}
			sawPayload = true
			b.PayloadBlockProcFlags = flags
			b.Payload.Length = hdr.DataLength
			w.payloadOff = dataPos
			if err := s.advance(StatePayloadHeaderParsed); err != nil {
				return nil, err
			}
			continue
		}
		idx := bundle.ListPrePayload
		if sawPayload {
			idx = bundle.ListPostPayload
		}
		data, err := n.acqRead(s, dataPos, int64(hdr.DataLength))
		if err != nil {
			return nil, err
		}
		def := n.registry.Find(hdr.Type, idx)
		if def == nil {
			var keep bool
			if flags, keep = n.unrecognizedBlock(w, flags); !keep {
				continue
			}
		}
		res, err := n.registry.Acquire(b, &w.blocks, idx, def, extension.NewAcqBlock(hdr.Type, flags, hdr.Refs, data))
		if err != nil {
			return nil, err
		}
		if res == extension.AcquireMalformed {
			w.malformed = true
			return w, nil
		}
		switch cur := s.State(); {
		case idx == bundle.ListPrePayload && cur == StatePrimaryParsed:
			err = s.advance(StatePrePayloadParsed)
		case idx == bundle.ListPostPayload && cur == StatePayloadHeaderParsed:
			err = s.advance(StatePostPayloadParsed)
		}
		if err != nil {
			return nil, err
		}
	}
	if !sawPayload {
		w.malformed = true
	}
	return w, nil
}

// unrecognizedBlock applies the processing flags of a block no definition
// covers. It returns the flags to keep the block with, if it is kept.
func (n *Node) unrecognizedBlock(w *acqWork, flags bundle.BlockFlags) (bundle.BlockFlags, bool) {
	b := w.b
	if flags&bundle.BlockReportIfNG != 0 {
		if b.IsAdmin() {
			w.mustAbort = true
		} else {
			b.StatusRpt.Flags |= admin.ReportReceived
			b.StatusRpt.Reason = admin.SrBlockUnintelligible
			b.StatusRpt.ReceiptTime = n.dtnNow()
		}
	}
	if b.Payload.Length != 0 && flags&bundle.BlockMustBeCopied == 0 {
		w.mustAbort = true
	}
	switch {
	case flags&bundle.BlockAbortIfNG != 0:
		w.mustAbort = true
	case flags&bundle.BlockRemoveIfNG != 0:
		return flags, false
	}
	return flags | bundle.BlockForwardedOpaque, true
}

// acquireOne acquires the bundle at offset and returns the decision along
// with the number of bytes it occupied
func (n *Node) acquireOne(s *AcqSession, offset, total int64) (AcqDecision, int64, error) {
	txn := n.store.Begin()
	defer txn.Cancel()
	w, err := n.parseBundle(s, offset, total)
	if err != nil {
		return AcqMalformed, 0, err
	}
	if w.malformed {
		n.registry.Clear(&w.blocks)
		if err := s.advance(StateMalformed); err != nil {
			return AcqMalformed, 0, err
		}
		n.noteMalformed(txn)
		return AcqMalformed, 0, txn.Commit()
	}
	b := w.b
	b.ClDossier.SenderEID = s.sender
	if s.sender.CBHE {
		b.ClDossier.SenderNodeNbr = s.sender.Node
	}
	b.ClDossier.Authentic = s.authentic || !n.registry.HasCheckers()
	verdict, err := n.registry.Check(b, &w.blocks)
	if err != nil {
		return AcqMalformed, 0, err
	}
	discard := func(ct admin.CtReason, sr admin.SrReason, why string) (AcqDecision, int64, error) {
		n.logger.Warn(
			"discarding received bundle",
			"bundle", b.Key().String(),
			"reason", why,
		)
		if err := n.discardReceived(txn, b, &w.blocks, ct, sr); err != nil {
			return AcqMalformed, 0, err
		}
		if err := s.advance(StateDiscarded); err != nil {
			return AcqMalformed, 0, err
		}
		return AcqDiscarded, w.length, txn.Commit()
	}
	switch verdict {
	case extension.VerdictInauthentic:
		n.logger.Debug("discarding inauthentic bundle", "bundle", b.Key().String())
		n.registry.Clear(&w.blocks)
		if err := s.advance(StateDiscarded); err != nil {
			return AcqMalformed, 0, err
		}
		return AcqDiscarded, w.length, nil
	case extension.VerdictCorrupt:
		return discard(admin.CtBlockUnintelligible, admin.SrBlockUnintelligible, "corrupt")
	}
	if w.mustAbort {
		return discard(admin.CtBlockUnintelligible, admin.SrBlockUnintelligible, "unintelligible block")
	}
	if n.occupancyCeiling > 0 && n.store.Occupancy()+b.DBOverhead+int64(b.Payload.Length) > n.occupancyCeiling {
		return discard(admin.CtDepletedStorage, admin.SrDepletedStorage, "depleted storage")
	}
	if b.IsCustodial() {
		if _, dup := n.identities[b.Key()]; dup {
			if self, ok := n.localEID(custodialScheme(b)); !ok || !b.Custodian.Equal(self) {
				return discard(admin.CtRedundantReception, 0, "redundant reception")
			}
		}
	}
	b.DBOverhead = bundle.BaseOverhead + int64(len(b.Dictionary))
	if err := n.registry.Record(b, &w.blocks); err != nil {
		return AcqMalformed, 0, err
	}
	n.registry.Clear(&w.blocks)
	for i := range b.PrePayload {
		blk := &b.PrePayload[i]
		if blk.Type != extension.PreviousHopType {
			continue
		}
		if prev, ok := extension.ParsePreviousHop(extension.Data(blk)); ok {
			b.ClDossier.SenderEID = prev
			if prev.CBHE {
				b.ClDossier.SenderNodeNbr = prev.Node
			}
		}
	}
	if b.Payload.Content, err = n.zco.Clone(txn, s.content, w.payloadOff, int64(b.Payload.Length)); err != nil {
		return AcqMalformed, 0, err
	}
	h, err := n.storeBundle(txn, b)
	if err != nil {
		return AcqMalformed, 0, err
	}
	n.noteStats(txn, StatReceive, b)
	n.logger.Debug(
		"bundle received",
		"bundle", b.Key().String(),
		"source", b.ID.Source.String(),
		"destination", b.Destination.String(),
		"sender", b.ClDossier.SenderEID.String(),
	)
	if err := n.dispatch(txn, h, b); err != nil {
		return AcqMalformed, 0, err
	}
	if err := n.destroyBundle(txn, h, b, false); err != nil {
		return AcqMalformed, 0, err
	}
	if err := s.advance(StateAccepted); err != nil {
		return AcqMalformed, 0, err
	}
	return AcqAccepted, w.length, txn.Commit()
}

func (n *Node) noteMalformed(txn *store.Txn) {
	txn.OnCommit(func() {
		n.metrics.note(StatRefuse, bundle.PriorityBulk, 0)
	})
}

// discardReceived refuses a received bundle, telling its custodian and
// report-to endpoint why
func (n *Node) discardReceived(txn *store.Txn, b *bundle.Bundle, blocks *extension.AcqBlocks, ct admin.CtReason, sr admin.SrReason) error {
	n.registry.Clear(blocks)
	if b.IsCustodial() {
		if err := n.sendCtSignal(txn, b, false, ct); err != nil {
			return err
		}
	}
	if sr != 0 && b.ProcFlags.SRR()&admin.ReportDeleted != 0 {
		b.StatusRpt.Flags |= admin.ReportDeleted
		b.StatusRpt.Reason = sr
		b.StatusRpt.DeletionTime = n.dtnNow()
	}
	if b.StatusRpt.Flags != 0 {
		if err := n.sendStatusRpt(txn, b); err != nil {
			return err
		}
	}
	n.noteStats(txn, StatRefuse, b)
	return nil
}
