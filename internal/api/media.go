package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/lumora-ai/chorus/internal/analytics"
	"github.com/lumora-ai/chorus/internal/session"
	"github.com/lumora-ai/chorus/internal/turn"
	"github.com/lumora-ai/chorus/pkg/animation"
	"github.com/lumora-ai/chorus/pkg/audio"
)

// mediaWriteTimeout bounds one packet write. A client that cannot drain
// audio this long has effectively disconnected.
const mediaWriteTimeout = 2 * time.Second

// wsSink streams turn output to the media websocket: audio packets as
// binary frames, blendshape frames via the side-channel hub.
type wsSink struct {
	ctx       context.Context
	conn      *websocket.Conn
	frames    *FrameHub
	sessionID string
}

var _ turn.Sink = (*wsSink)(nil)

func (s *wsSink) SendPacket(pkt audio.Packet) error {
	b, err := pkt.MarshalBinary()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, mediaWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageBinary, b)
}

func (s *wsSink) SendFrame(f animation.Frame) error {
	s.frames.Publish(s.sessionID, f)
	return nil
}

// handleMedia owns a session's media channel: inbound binary frames are
// client audio (PCM16LE by default, Opus with ?codec=opus) fed to VAD and
// recognition; outbound binary frames are agent audio packets. One media
// channel per session at a time; a new connection displaces the previous
// sink.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess := s.manager.Get(id)
	if sess == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}

	var decoder *audio.OpusDecoder
	switch codec := r.URL.Query().Get("codec"); codec {
	case "", "pcm16":
	case "opus":
		var derr error
		decoder, derr = audio.NewOpusDecoder(s.cfg.Audio.SampleRate)
		if derr != nil {
			s.log.Error("opus decoder unavailable", "session", id, "err", derr)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "opus unavailable"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unsupported codec " + codec})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "media channel closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := &wsSink{ctx: ctx, conn: conn, frames: s.frames, sessionID: id}
	sess.AttachSink(sink)
	defer sess.AttachSink(nil)

	ing, err := sess.StartIngest(ctx, session.IngestConfig{
		ASR:        s.providers.ASR,
		Detector:   s.providers.NewDetector(),
		SampleRate: s.cfg.Audio.SampleRate,
		OnTurn: func(text string, endpointAt time.Time) {
			go s.runTurn(ctx, sess, text, endpointAt)
		},
	})
	if err != nil {
		s.log.Error("media ingest failed to start", "session", id, "err", err)
		conn.Close(websocket.StatusInternalError, "recognition unavailable")
		return
	}
	defer ing.Close()

	s.log.Info("media channel open", "session", id)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Info("media channel closed", "session", id)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if decoder != nil {
			pcm, derr := decoder.Decode(data)
			if derr != nil {
				// One corrupt frame costs 20ms of audio, not the channel.
				s.log.Warn("opus frame rejected", "session", id, "err", derr)
				continue
			}
			data = pcm
		}
		if err := ing.FeedAudio(data, time.Now()); err != nil {
			s.log.Warn("audio ingest failed", "session", id, "err", err)
			return
		}
	}
}

// runTurn executes one turn and feeds the outcome back into the event
// stream, the backpressure sampler and the analytics sink.
func (s *Server) runTurn(ctx context.Context, sess *session.Session, text string, endpointAt time.Time) {
	start := time.Now()
	res, err := sess.RunTurn(ctx, text, endpointAt, s.shed.Effects())
	if err != nil {
		s.log.Error("turn failed", "session", sess.ID(), "err", err)
	}

	id := sess.ID()
	switch {
	case res.TTFA > 0:
		s.events.Publish(id, Event{
			Type: EventTTFAMeasured, SessionID: id, At: time.Now(),
			Data: map[string]any{"ttfa_ms": res.TTFA.Milliseconds()},
		})
	case res.Outcome == turn.OutcomeTimeout:
		s.events.Publish(id, Event{
			Type: EventTurnTimeout, SessionID: id, At: time.Now(),
		})
	}
	if res.Outcome == turn.OutcomeBargeIn {
		s.events.Publish(id, Event{
			Type: EventBargeInAck, SessionID: id, At: time.Now(),
			Data: map[string]any{"cancel_total_ms": res.CancelTotal.Milliseconds()},
		})
	}

	if sess.Warm() && res.TTFA > 0 {
		s.shed.RecordTTFA(float64(res.TTFA.Milliseconds()))
	}
	failed := res.Outcome == turn.OutcomeError || res.Outcome == turn.OutcomeTimeout
	s.shed.RecordTurnOutcome(!failed)

	rec := analytics.TurnRecord{
		SessionID:   id,
		TurnID:      sess.Stats().Turns,
		StartedAt:   start,
		Outcome:     string(res.Outcome),
		TTFAMS:      res.TTFA.Milliseconds(),
		Packets:     res.Packets,
		UserText:    text,
		AgentText:   res.AssistantText,
		Interrupted: res.Outcome == turn.OutcomeBargeIn,
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := s.analytics.RecordTurn(actx, rec); aerr != nil {
		s.log.Warn("analytics turn record failed", "session", id, "err", aerr)
	}
}
