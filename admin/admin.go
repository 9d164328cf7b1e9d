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

// Package admin encodes and parses bundle protocol administrative records:
// bundle status reports and custody signals.
//
// Every record starts with one byte holding the record type in the high
// nibble and the "bundle is a fragment" flag in the low bit:
//
//	+--------+--------+--------+-----------------+------+------------+-----+
//	|type|frg| flags/ | reason | [frag off, len] | time | creation   | EID |
//	+--------+--------+--------+-----------------+------+------------+-----+
//
// All integers after the first bytes are SDNVs.
package admin

import (
	"errors"
	"fmt"
	"time"

	"github.com/blinklabs-io/gobp/sdnv"
)

// Epoch2000 is the Unix time of the DTN epoch, 2000-01-01T00:00:00Z
const Epoch2000 = 946684800

const recordFragmentFlag = 0x01

var (
	ErrTruncated      = errors.New("admin: truncated record")
	ErrUnknownType    = errors.New("admin: unknown record type")
	ErrEIDLengthWrong = errors.New("admin: source EID length does not match record")
)

// RecordType identifies the kind of administrative record
type RecordType uint8

const (
	RecordTypeStatusReport  RecordType = 1
	RecordTypeCustodySignal RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeStatusReport:
		return "StatusReport"
	case RecordTypeCustodySignal:
		return "CustodySignal"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// DtnTime is a point in time relative to the DTN epoch
type DtnTime struct {
	Seconds     uint64
	Nanoseconds uint64
}

// DtnTimeOf converts a wall clock time to DTN time. Times before the DTN
// epoch map to zero.
func DtnTimeOf(t time.Time) DtnTime {
	secs := t.Unix() - Epoch2000
	if secs < 0 {
		return DtnTime{}
	}
	return DtnTime{
		Seconds:     uint64(secs),
		Nanoseconds: uint64(t.Nanosecond()),
	}
}

// Time converts back to wall clock time
func (d DtnTime) Time() time.Time {
	return time.Unix(int64(d.Seconds)+Epoch2000, int64(d.Nanoseconds)).UTC()
}

// IsZero reports whether no time was recorded
func (d DtnTime) IsZero() bool {
	return d.Seconds == 0 && d.Nanoseconds == 0
}

// Subject identifies the bundle that a record reports on
type Subject struct {
	IsFragment      bool
	FragmentOffset  uint64
	FragmentLength  uint64
	CreationSeconds uint64
	CreationCount   uint64
	SourceEID       string
}

// Record is implemented by StatusReport and CustodySignal
type Record interface {
	Type() RecordType
	MarshalBinary() ([]byte, error)
}

func appendTime(buf []byte, t DtnTime) []byte {
	buf = sdnv.Append(buf, t.Seconds)
	return sdnv.Append(buf, t.Nanoseconds)
}

func readTime(d *sdnv.Decoder) (DtnTime, error) {
	var t DtnTime
	var err error
	if t.Seconds, err = d.Uint(); err != nil {
		return t, err
	}
	if t.Nanoseconds, err = d.Uint(); err != nil {
		return t, err
	}
	return t, nil
}

func (s Subject) header(t RecordType) byte {
	b := byte(t) << 4
	if s.IsFragment {
		b |= recordFragmentFlag
	}
	return b
}

func (s Subject) appendFragment(buf []byte) []byte {
	if !s.IsFragment {
		return buf
	}
	buf = sdnv.Append(buf, s.FragmentOffset)
	return sdnv.Append(buf, s.FragmentLength)
}

func (s Subject) appendTail(buf []byte) []byte {
	buf = sdnv.Append(buf, s.CreationSeconds)
	buf = sdnv.Append(buf, s.CreationCount)
	buf = sdnv.Append(buf, uint64(len(s.SourceEID)))
	return append(buf, s.SourceEID...)
}

func (s *Subject) readFragment(d *sdnv.Decoder) error {
	if !s.IsFragment {
		return nil
	}
	var err error
	if s.FragmentOffset, err = d.Uint(); err != nil {
		return err
	}
	if s.FragmentLength, err = d.Uint(); err != nil {
		return err
	}
	return nil
}

func (s *Subject) readTail(d *sdnv.Decoder) error {
	var err error
	if s.CreationSeconds, err = d.Uint(); err != nil {
		return err
	}
	if s.CreationCount, err = d.Uint(); err != nil {
		return err
	}
	eidLen, err := d.Uint()
	if err != nil {
		return err
	}
	if eidLen != uint64(d.Remaining()) {
		return ErrEIDLengthWrong
	}
	eidBytes, _ := d.Bytes(eidLen)
	s.SourceEID = string(eidBytes)
	return nil
}

// Parse decodes an administrative record payload
func Parse(data []byte) (Record, error) {
	if len(data) < 1 {
		return nil, ErrTruncated
	}
	recType := RecordType((data[0] >> 4) & 0x0f)
	isFragment := data[0]&recordFragmentFlag != 0
	var rec Record
	var err error
	switch recType {
	case RecordTypeStatusReport:
		rec, err = parseStatusReport(data[1:], isFragment)
	case RecordTypeCustodySignal:
		rec, err = parseCustodySignal(data[1:], isFragment)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, recType)
	}
	if err != nil {
		if errors.Is(err, sdnv.ErrTruncated) {
			return nil, fmt.Errorf("%w: %s", ErrTruncated, recType)
		}
		return nil, fmt.Errorf("parse %s: %w", recType, err)
	}
	return rec, nil
}
