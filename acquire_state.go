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
	"fmt"
	"slices"
)

// AcqState is a state of the acquisition of one inbound bundle
type AcqState struct {
	Id   uint
	Name string
}

func NewAcqState(id uint, name string) AcqState {
	return AcqState{
		Id:   id,
		Name: name,
	}
}

func (s AcqState) String() string {
	return s.Name
}

var (
	StateIdle                = NewAcqState(0, "Idle")
	StateAccumulating        = NewAcqState(1, "Accumulating")
	StatePrimaryParsed       = NewAcqState(2, "PrimaryParsed")
	StatePrePayloadParsed    = NewAcqState(3, "PrePayloadParsed")
	StatePayloadHeaderParsed = NewAcqState(4, "PayloadHeaderParsed")
	StatePostPayloadParsed   = NewAcqState(5, "PostPayloadParsed")
	StateAccepted            = NewAcqState(6, "Accepted")
	StateDiscarded           = NewAcqState(7, "Discarded")
	StateMalformed           = NewAcqState(8, "Malformed")
)

// AcqStateMap lists the states reachable from each state
type AcqStateMap map[AcqState][]AcqState

// Copy returns a copy of the state map
func (m AcqStateMap) Copy() AcqStateMap {
	ret := AcqStateMap{}
	for k, v := range m {
		ret[k] = slices.Clone(v)
	}
	return ret
}

var acqStateMap = AcqStateMap{
	StateIdle:         {StateAccumulating},
	StateAccumulating: {StatePrimaryParsed, StateMalformed, StateIdle},
	StatePrimaryParsed: {
		StatePrePayloadParsed,
		StatePayloadHeaderParsed,
		StateMalformed,
	},
	StatePrePayloadParsed: {StatePayloadHeaderParsed, StateMalformed},
	StatePayloadHeaderParsed: {
		StatePostPayloadParsed,
		StateAccepted,
		StateDiscarded,
		StateMalformed,
	},
	StatePostPayloadParsed: {StateAccepted, StateDiscarded, StateMalformed},
	StateAccepted:          {StateAccumulating, StateIdle},
	StateDiscarded:         {StateAccumulating, StateIdle},
	StateMalformed:         {StateIdle},
}

// GetAcqStateMap returns the acquisition state transitions
func GetAcqStateMap() AcqStateMap {
	return acqStateMap.Copy()
}

type acqMachine struct {
	state AcqState
}

func newAcqMachine() acqMachine {
	return acqMachine{state: StateIdle}
}

func (m *acqMachine) current() AcqState {
	return m.state
}

func (m *acqMachine) transition(to AcqState) error {
	if !slices.Contains(acqStateMap[m.state], to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, m.state, to)
	}
	m.state = to
	return nil
}

// AcqDecision is the outcome of acquiring one bundle
type AcqDecision int

const (
	AcqAccepted AcqDecision = iota
	AcqDiscarded
	AcqMalformed
)

func (d AcqDecision) String() string {
	switch d {
	case AcqAccepted:
		return "accepted"
	case AcqDiscarded:
		return "discarded"
	case AcqMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("AcqDecision(%d)", int(d))
	}
}
