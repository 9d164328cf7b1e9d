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

// ReportFlags are the status report request / assertion flags. The same bit
// values are used in a bundle's SRR field and in a status report.
type ReportFlags uint8

const (
	ReportReceived  ReportFlags = 0x01
	ReportCustody   ReportFlags = 0x02
	ReportForwarded ReportFlags = 0x04
	ReportDelivered ReportFlags = 0x08
	ReportDeleted   ReportFlags = 0x10
)

// SrReason explains a status report
type SrReason uint8

const (
	SrNoInfo SrReason = iota
	SrLifetimeExpired
	SrUnidirectionalLink
	SrCanceled
	SrDepletedStorage
	SrDestinationUnintelligible
	SrNoKnownRoute
	SrNoTimelyContact
	SrBlockUnintelligible
)

func (r SrReason) String() string {
	switch r {
	case SrNoInfo:
		return "NoInfo"
	case SrLifetimeExpired:
		return "LifetimeExpired"
	case SrUnidirectionalLink:
		return "UnidirectionalLink"
	case SrCanceled:
		return "Canceled"
	case SrDepletedStorage:
		return "DepletedStorage"
	case SrDestinationUnintelligible:
		return "DestinationUnintelligible"
	case SrNoKnownRoute:
		return "NoKnownRoute"
	case SrNoTimelyContact:
		return "NoTimelyContact"
	case SrBlockUnintelligible:
		return "BlockUnintelligible"
	default:
		return fmt.Sprintf("SrReason(%d)", uint8(r))
	}
}

// StatusReport is a bundle status report
type StatusReport struct {
	Subject
	Flags          ReportFlags
	Reason         SrReason
	ReceiptTime    DtnTime
	AcceptanceTime DtnTime
	ForwardTime    DtnTime
	DeliveryTime   DtnTime
	DeletionTime   DtnTime
}

func (r *StatusReport) Type() RecordType {
	return RecordTypeStatusReport
}

// MarshalBinary encodes the report. A time is emitted for every flag that
// is set, in flag bit order.
func (r *StatusReport) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 32+len(r.SourceEID))
	buf = append(buf, r.header(RecordTypeStatusReport), byte(r.Flags), byte(r.Reason))
	buf = r.appendFragment(buf)
	for _, ft := range r.flagTimes() {
		if r.Flags&ft.flag != 0 {
			buf = appendTime(buf, *ft.time)
		}
	}
	return r.appendTail(buf), nil
}

// UnmarshalBinary decodes a report encoded by MarshalBinary
func (r *StatusReport) UnmarshalBinary(data []byte) error {
	rec, err := Parse(data)
	if err != nil {
		return err
	}
	sr, ok := rec.(*StatusReport)
	if !ok {
		return fmt.Errorf("%w: want %s, got %s", ErrUnknownType, RecordTypeStatusReport, rec.Type())
	}
	*r = *sr
	return nil
}

type flagTime struct {
	flag ReportFlags
	time *DtnTime
}

func (r *StatusReport) flagTimes() []flagTime {
	return []flagTime{
		{ReportReceived, &r.ReceiptTime},
		{ReportCustody, &r.AcceptanceTime},
		{ReportForwarded, &r.ForwardTime},
		{ReportDelivered, &r.DeliveryTime},
		{ReportDeleted, &r.DeletionTime},
	}
}

func parseStatusReport(data []byte, isFragment bool) (*StatusReport, error) {
	d := sdnv.NewDecoder(data)
	r := &StatusReport{}
	r.IsFragment = isFragment
	flags, err := d.Byte()
	if err != nil {
		return nil, err
	}
	reason, err := d.Byte()
	if err != nil {
		return nil, err
	}
	r.Flags = ReportFlags(flags)
	r.Reason = SrReason(reason)
	if err := r.readFragment(d); err != nil {
		return nil, err
	}
	for _, ft := range r.flagTimes() {
		if r.Flags&ft.flag == 0 {
			continue
		}
		if *ft.time, err = readTime(d); err != nil {
			return nil, err
		}
	}
	if err := r.readTail(d); err != nil {
		return nil, err
	}
	return r, nil
}
