package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumora-ai/chorus/internal/fault"
	"github.com/lumora-ai/chorus/internal/observe"
)

// Per-stage acknowledgement deadlines after cancel fan-out. Generation
// stages get a little longer because their abort crosses a network hop;
// local stages must stop almost immediately.
const (
	AckDeadlineLLM        = 30 * time.Millisecond
	AckDeadlineTTS        = 30 * time.Millisecond
	AckDeadlinePacketizer = 20 * time.Millisecond
	AckDeadlineAnimation  = 20 * time.Millisecond
)

// ackDeadlines maps each stage to its deadline.
var ackDeadlines = map[fault.Stage]time.Duration{
	fault.StageLLM:        AckDeadlineLLM,
	fault.StageTTS:        AckDeadlineTTS,
	fault.StagePacketizer: AckDeadlinePacketizer,
	fault.StageAnimation:  AckDeadlineAnimation,
}

// StageHandle lets the controller force-terminate a stage that misses its
// acknowledgement deadline.
type StageHandle struct {
	// Stage identifies the pipeline stage.
	Stage fault.Stage

	// Force hard-terminates the stage. Called at most once, from the
	// controller's fan-out goroutine, when the ack deadline passes without
	// an acknowledgement. Must be safe to call concurrently with the
	// stage's own shutdown.
	Force func()
}

// Controller fans a fired cancellation token out to the turn's stages,
// waits for acknowledgements with per-stage deadlines, and force-terminates
// laggards. One controller per session.
type Controller struct {
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewController creates a Controller.
func NewController(log *slog.Logger, metrics *observe.Metrics) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Controller{log: log, metrics: metrics}
}

// Propagate waits for every handle's stage to acknowledge the fired token,
// forcing any stage that misses its deadline, and returns when all stages
// have stopped. It records per-stage cancel latency and returns the total
// wall time from token fire to the last stage stopping.
//
// Call after tok.Cancel has fired. Handles whose stage never registered on
// the token are force-terminated immediately.
func (c *Controller) Propagate(ctx context.Context, tok *Token, handles []StageHandle) time.Duration {
	start := time.Now()
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h StageHandle) {
			defer wg.Done()
			c.awaitAck(ctx, tok, h)
		}(h)
	}
	wg.Wait()
	return time.Since(start)
}

func (c *Controller) awaitAck(ctx context.Context, tok *Token, h StageHandle) {
	deadline, ok := ackDeadlines[h.Stage]
	if !ok {
		deadline = AckDeadlinePacketizer
	}

	ackCh := tok.AckChan(h.Stage)
	if ackCh == nil {
		// Stage never registered; nothing will ever acknowledge.
		c.force(ctx, tok, h, deadline)
		return
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-ackCh:
		lat := tok.AckLatency(h.Stage)
		c.metrics.RecordStageCancel(ctx, string(h.Stage), float64(lat.Microseconds())/1000)
	case <-timer.C:
		c.force(ctx, tok, h, deadline)
	}
}

func (c *Controller) force(ctx context.Context, tok *Token, h StageHandle, deadline time.Duration) {
	c.log.Warn("stage missed cancel deadline, forcing termination",
		"stage", h.Stage, "turn", tok.TurnID(), "deadline", deadline)
	if h.Force != nil {
		h.Force()
	}
	tok.Ack(h.Stage)
	c.metrics.RecordStageCancel(ctx, string(h.Stage), float64(deadline.Microseconds())/1000)
}
