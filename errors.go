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

import "errors"

var (
	// ErrInvalidDestination is returned by Send for a missing destination
	ErrInvalidDestination = errors.New("bp: invalid destination")
	// ErrInvalidLifespan is returned by Send for a lifespan under one second
	ErrInvalidLifespan = errors.New("bp: invalid lifespan")
	// ErrAnonymousReporting is returned when an anonymous bundle asks for
	// custody transfer or status reports
	ErrAnonymousReporting = errors.New("bp: anonymous bundles cannot request custody or reports")
	// ErrAdminReporting is returned when an administrative record asks for
	// custody transfer or status reports
	ErrAdminReporting = errors.New("bp: administrative records cannot request custody or reports")

	ErrUnknownScheme   = errors.New("bp: unknown scheme")
	ErrUnknownEndpoint = errors.New("bp: unknown endpoint")
	ErrUnknownProtocol = errors.New("bp: unknown convergence-layer protocol")
	ErrUnknownInduct   = errors.New("bp: unknown induct")
	ErrUnknownOutduct  = errors.New("bp: unknown outduct")
	ErrUnknownBundle   = errors.New("bp: unknown bundle")
	ErrDuplicate       = errors.New("bp: already defined")
	// ErrNoCustodian is returned when custody is required but the scheme
	// has no custodian endpoint
	ErrNoCustodian = errors.New("bp: scheme has no custodian endpoint")
	// ErrNoRoute is returned by a Router that cannot forward a bundle
	ErrNoRoute = errors.New("bp: no known route")
	// ErrStopped is returned by blocking calls once the node or duct stops
	ErrStopped = errors.New("bp: stopped")
	// ErrSessionClosed is returned when using an ended acquisition session
	ErrSessionClosed = errors.New("bp: acquisition session closed")
	// ErrBadTransition is returned for an impossible acquisition state change
	ErrBadTransition = errors.New("bp: invalid acquisition state transition")
	// ErrNotTransmitted is returned for transmission results that do not
	// parse as a bundle
	ErrNotTransmitted = errors.New("bp: not a transmitted bundle")
)
