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

package admin

import (
	"fmt"

	"github.com/blinklabs-io/gobp/sdnv"
)

const custodySucceededFlag = 0x80

// CtReason explains a custody signal
type CtReason uint8

const (
	CtNoInfo                    CtReason = 0
	CtRedundantReception        CtReason = 3
	CtDepletedStorage           CtReason = 4
	CtDestinationUnintelligible CtReason = 5
	CtNoKnownRoute              CtReason = 6
	CtNoTimelyContact           CtReason = 7
	CtBlockUnintelligible       CtReason = 8
)

func (r CtReason) String() string {
	switch r {
	case CtNoInfo:
		return "NoInfo"
	case CtRedundantReception:
		return "RedundantReception"
	case CtDepletedStorage:
		return "DepletedStorage"
	case CtDestinationUnintelligible:
		return "DestinationUnintelligible"
	case CtNoKnownRoute:
		return "NoKnownRoute"
	case CtNoTimelyContact:
		return "NoTimelyContact"
	case CtBlockUnintelligible:
		return "BlockUnintelligible"
	default:
		return fmt.Sprintf("CtReason(%d)", uint8(r))
	}
}

// CustodySignal reports acceptance or refusal of custody of a bundle
type CustodySignal struct {
	Subject
	Succeeded  bool
	Reason     CtReason
	SignalTime DtnTime
}

func (s *CustodySignal) Type() RecordType {
	return RecordTypeCustodySignal
}

func (s *CustodySignal) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 24+len(s.SourceEID))
	status := byte(s.Reason) & 0x7f
	if s.Succeeded {
		status |= custodySucceededFlag
	}
	buf = append(buf, s.header(RecordTypeCustodySignal), status)
	buf = s.appendFragment(buf)
	buf = appendTime(buf, s.SignalTime)
	return s.appendTail(buf), nil
}

func (s *CustodySignal) UnmarshalBinary(data []byte) error {
	rec, err := Parse(data)
	if err != nil {
		return err
	}
	cs, ok := rec.(*CustodySignal)
	if !ok {
		return fmt.Errorf("%w: want %s, got %s", ErrUnknownType, RecordTypeCustodySignal, rec.Type())
	}
	*s = *cs
	return nil
}

func parseCustodySignal(data []byte, isFragment bool) (*CustodySignal, error) {
	d := sdnv.NewDecoder(data)
	s := &CustodySignal{}
	s.IsFragment = isFragment
	status, err := d.Byte()
	if err != nil {
		return nil, err
	}
	s.Succeeded = status&custodySucceededFlag != 0
	s.Reason = CtReason(status & 0x7f)
	if err := s.readFragment(d); err != nil {
		return nil, err
	}
	if s.SignalTime, err = readTime(d); err != nil {
		return nil, err
	}
	if err := s.readTail(d); err != nil {
		return nil, err
	}
	return s, nil
}
