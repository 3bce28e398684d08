package distobj

import (
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// connStats is the running tally kept by each Connection.
type connStats struct {
	mut sync.Mutex
	td  *tdigest.TDigest // round trip, nanoseconds

	calls           int64
	oneWayCalls     int64
	timeouts        int64
	lateReplies     int64
	malformedFrames int64
	requestsServed  int64
	exceptionsSent  int64
	authFailures    int64
	heartbeatsIn    int64
	requestsDropped int64
}

func newConnStats() *connStats {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &connStats{td: td}
}

func (s *connStats) observeRoundTrip(elap time.Duration) {
	s.mut.Lock()
	s.td.Add(float64(elap)) // nanoseconds
	s.mut.Unlock()
}

func (s *connStats) incr(field *int64) {
	s.mut.Lock()
	*field++
	s.mut.Unlock()
}

// ConnectionStats is a point-in-time view of one Connection.
type ConnectionStats struct {
	Name   string `json:"name"`
	Serial int64  `json:"serial"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
	Valid  bool   `json:"valid"`

	Calls           int64 `json:"calls"`
	OneWayCalls     int64 `json:"one_way_calls"`
	Timeouts        int64 `json:"timeouts"`
	LateReplies     int64 `json:"late_replies"`
	MalformedFrames int64 `json:"malformed_frames"`
	RequestsServed  int64 `json:"requests_served"`
	ExceptionsSent  int64 `json:"exceptions_sent"`
	AuthFailures    int64 `json:"auth_failures"`
	HeartbeatsIn    int64 `json:"heartbeats_in"`

	// requests that arrived as the Connection was closing.
	RequestsDropped int64 `json:"requests_dropped"`

	Exports       int `json:"exports"`
	Imports       int `json:"imports"`
	Waiters       int `json:"waiters"`
	Conversations int `json:"conversations"`

	// round trip quantiles; zero before the first reply.
	RoundTripP50  time.Duration `json:"round_trip_p50"`
	RoundTripP99  time.Duration `json:"round_trip_p99"`
	RoundTripP999 time.Duration `json:"round_trip_p999"`
}

func (s *connStats) fill(cs *ConnectionStats) {
	s.mut.Lock()
	defer s.mut.Unlock()
	cs.Calls = s.calls
	cs.OneWayCalls = s.oneWayCalls
	cs.Timeouts = s.timeouts
	cs.LateReplies = s.lateReplies
	cs.MalformedFrames = s.malformedFrames
	cs.RequestsServed = s.requestsServed
	cs.ExceptionsSent = s.exceptionsSent
	cs.AuthFailures = s.authFailures
	cs.HeartbeatsIn = s.heartbeatsIn
	cs.RequestsDropped = s.requestsDropped
	if s.td.Count() > 0 {
		cs.RoundTripP50 = time.Duration(s.td.Quantile(0.50))
		cs.RoundTripP99 = time.Duration(s.td.Quantile(0.99))
		cs.RoundTripP999 = time.Duration(s.td.Quantile(0.999))
	}
}
