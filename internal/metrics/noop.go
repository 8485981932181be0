package metrics

import "time"

// Noop discards everything. Used when metrics are disabled and in tests
// that do not assert on counters.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordClientAuth(string, bool)                        {}
func (Noop) RecordRateLimitDelay(time.Duration)                   {}
func (Noop) RecordTokenIssued(string, string)                     {}
func (Noop) RecordTokenRevoked(string, int)                       {}
func (Noop) RecordIntrospection(string)                           {}
func (Noop) RecordAppCredentialCreated(string)                    {}
func (Noop) RecordAppCredentialDeleted(string, int)               {}
func (Noop) RecordConsent(string)                                 {}
func (Noop) RecordHTTPRequest(string, string, int, time.Duration) {}
func (Noop) RecordSweep(string, int, error)                       {}
