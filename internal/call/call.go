// Package call orchestrates the lifecycle of one outbound AI call:
// allocate media, dial, bridge audio, and tear everything down exactly
// once regardless of who ends the call first.
package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callbridge/internal/ai"
	"github.com/sebas/callbridge/internal/bridge"
	"github.com/sebas/callbridge/internal/media"
	"github.com/sebas/callbridge/internal/signaling/dialog"
)

// aiSession is the slice of ai.Session the orchestrator drives.
type aiSession interface {
	bridge.AudioSession
	Transcripts() <-chan ai.Transcript
	Close() error
}

// Request describes one call to place.
type Request struct {
	// Destination is a dial string ("+15550100") or a full sip: URI.
	Destination string
	// CallerName is the display name placed in From.
	CallerName string
	// Goal is the system instruction handed to the AI session.
	Goal string
	// MaxDuration caps the call; zero uses the orchestrator default.
	MaxDuration time.Duration
	// DetectVoicemail enables the answering-machine heuristic.
	DetectVoicemail bool
}

// Call is one tracked call. Runtime handles are set as the call
// progresses and read during teardown, both under mu.
type Call struct {
	ID      string
	Request Request

	mu           sync.Mutex
	state        dialog.CallState
	reason       dialog.TerminateReason
	reasonDetail string
	sipResponse  int
	sipCallID    string
	createdAt    time.Time
	connectedAt  time.Time
	endedAt      time.Time

	dlg           *dialog.Dialog
	stream        *media.Stream
	session       aiSession
	br            *bridge.Bridge
	stopRefresher func()
	cancelDial    context.CancelFunc
	rtpPort       int

	transcripts atomic.Int64

	ended atomic.Bool
	done  chan struct{}
}

// Info is a point-in-time snapshot of a call.
type Info struct {
	ID              string
	Destination     string
	State           dialog.CallState
	Reason          dialog.TerminateReason
	ReasonDetail    string
	SIPCallID       string
	CreatedAt       time.Time
	ConnectedAt     time.Time
	EndedAt         time.Time
	TranscriptLines int
}

// Info returns a snapshot of the call.
func (c *Call) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:              c.ID,
		Destination:     c.Request.Destination,
		State:           c.state,
		Reason:          c.reason,
		ReasonDetail:    c.reasonDetail,
		SIPCallID:       c.sipCallID,
		CreatedAt:       c.createdAt,
		ConnectedAt:     c.connectedAt,
		EndedAt:         c.endedAt,
		TranscriptLines: int(c.transcripts.Load()),
	}
}

// Done is closed when the call has fully torn down.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

func (c *Call) setState(s dialog.CallState) {
	c.mu.Lock()
	c.state = s
	if s == dialog.StateConnected && c.connectedAt.IsZero() {
		c.connectedAt = time.Now()
	}
	c.mu.Unlock()
}
