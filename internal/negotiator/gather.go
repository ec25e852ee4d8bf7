package negotiator

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pagetrail/pagetrail-go/internal/bundle"
)

// Candidate gathering is time-boxed so an offer is usable even on a slow or
// NAT-less network: each new candidate resets the idle timer, and the hard
// ceiling fires regardless. Whichever fires first ends collection.
const (
	candidateIdleTimeout = 2 * time.Second
	candidateHardCeiling = 5 * time.Second
)

// candidateCollector accumulates ICE candidates for one negotiation
// attempt. Candidates arriving after the cutoff are handed to onLate
// (trickle over the relay) or dropped in manual mode.
type candidateCollector struct {
	mu         sync.Mutex
	candidates []bundle.ICECandidate
	cutoff     bool
	onLate     func(bundle.ICECandidate)

	arrived  chan struct{}
	complete chan struct{}
	once     sync.Once
}

// newCandidateCollector attaches to the PeerConnection. Must be called
// before SetLocalDescription, which is what starts gathering.
func newCandidateCollector(pc *webrtc.PeerConnection, onLate func(bundle.ICECandidate)) *candidateCollector {
	collector := newCollector(onLate)

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering finished on its own before the timers fired.
			collector.finish()
			return
		}
		init := candidate.ToJSON()
		collector.add(bundle.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	return collector
}

func newCollector(onLate func(bundle.ICECandidate)) *candidateCollector {
	return &candidateCollector{
		onLate:   onLate,
		arrived:  make(chan struct{}, 1),
		complete: make(chan struct{}),
	}
}

// add records a gathered candidate. After the cutoff the candidate goes to
// onLate instead of the bundle snapshot.
func (c *candidateCollector) add(candidate bundle.ICECandidate) {
	c.mu.Lock()
	late := c.cutoff
	if !late {
		c.candidates = append(c.candidates, candidate)
	}
	onLate := c.onLate
	c.mu.Unlock()

	if late {
		if onLate != nil {
			onLate(candidate)
		}
		return
	}
	select {
	case c.arrived <- struct{}{}:
	default:
	}
}

// finish marks natural end-of-gathering.
func (c *candidateCollector) finish() {
	c.once.Do(func() { close(c.complete) })
}

// wait blocks until the idle timer, the hard ceiling, natural gathering
// completion, or ctx cancellation, whichever comes first, then marks the
// cutoff and returns the candidates gathered so far.
func (c *candidateCollector) wait(ctx context.Context) []bundle.ICECandidate {
	idle := time.NewTimer(candidateIdleTimeout)
	hard := time.NewTimer(candidateHardCeiling)
	defer idle.Stop()
	defer hard.Stop()

collecting:
	for {
		select {
		case <-c.arrived:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(candidateIdleTimeout)
		case <-idle.C:
			break collecting
		case <-hard.C:
			break collecting
		case <-c.complete:
			break collecting
		case <-ctx.Done():
			break collecting
		}
	}

	c.mu.Lock()
	c.cutoff = true
	candidates := make([]bundle.ICECandidate, len(c.candidates))
	copy(candidates, c.candidates)
	c.mu.Unlock()
	return candidates
}
