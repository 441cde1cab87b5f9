// Command framesim drives a running service with synthetic classifier frames
// over UDP and prints the metric updates it gets back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gelogrammer/speech-metrics-service/internal/frame"
	"github.com/gelogrammer/speech-metrics-service/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4444", "Service UDP address")
	session := flag.String("session", "", "Session ID (generated when empty)")
	rate := flag.Int("rate", 10, "Frames per second")
	duration := flag.Duration("duration", 20*time.Second, "How long to send frames")
	talk := flag.Duration("talk", 4*time.Second, "Length of each speech burst")
	pause := flag.Duration("pause", 4*time.Second, "Length of each silence between bursts")
	seed := flag.Uint64("seed", 1, "Random seed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *session == "" {
		*session = uuid.NewString()
	}
	if *rate < 1 {
		fmt.Fprintln(os.Stderr, "rate must be at least 1")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *addr, *session, *rate, *duration, *talk, *pause, *seed); err != nil {
		logger.Error("Simulation failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, addr, session string, rate int,
	duration, talk, pause time.Duration, seed uint64) error {

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.Close()

	go receive(ctx, logger, conn)

	if err := send(conn, &protocol.Message{Type: protocol.TypeStart, SessionID: session}); err != nil {
		return err
	}
	logger.Info("Session started", slog.String("session_id", session), slog.String("addr", addr))

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	start := time.Now()
	cycle := talk + pause
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return send(conn, &protocol.Message{Type: protocol.TypeEnd, SessionID: session})
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			if elapsed >= duration {
				// Leave time for the last updates to arrive
				time.Sleep(500 * time.Millisecond)
				return send(conn, &protocol.Message{Type: protocol.TypeEnd, SessionID: session})
			}

			speaking := cycle <= 0 || elapsed%cycle < talk
			seq++
			if err := send(conn, protocol.NewFrame(session, seq, synth(rng, speaking))); err != nil {
				return err
			}
		}
	}
}

// synth produces a plausible frame: confident, mostly good labels while
// speaking and near-zero confidence otherwise
func synth(rng *rand.Rand, speaking bool) protocol.FramePayload {
	if !speaking {
		c := rng.Float64() * 0.01
		return protocol.FramePayload{
			Fluency:       frame.LabelInput{Category: "medium", Confidence: c},
			Tempo:         frame.LabelInput{Category: "medium", Confidence: c},
			Pronunciation: frame.LabelInput{Category: "clear", Confidence: c},
		}
	}

	pick := func(labels []string, weights []float64) string {
		r := rng.Float64()
		for i, w := range weights {
			if r < w {
				return labels[i]
			}
			r -= w
		}
		return labels[len(labels)-1]
	}

	return protocol.FramePayload{
		Fluency: frame.LabelInput{
			Category:   pick([]string{"high", "medium", "low"}, []float64{0.6, 0.3, 0.1}),
			Confidence: 0.6 + rng.Float64()*0.35,
		},
		Tempo: frame.LabelInput{
			Category:   pick([]string{"medium", "fast", "slow"}, []float64{0.5, 0.3, 0.2}),
			Confidence: 0.6 + rng.Float64()*0.35,
		},
		Pronunciation: frame.LabelInput{
			Category:   pick([]string{"clear", "unclear"}, []float64{0.8, 0.2}),
			Confidence: 0.6 + rng.Float64()*0.35,
		},
	}
}

func send(conn *net.UDPConn, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func receive(ctx context.Context, logger *slog.Logger, conn *net.UDPConn) {
	buf := make([]byte, protocol.MaxMessageSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		out, err := protocol.ParseOutbound(buf[:n])
		if err != nil {
			logger.Warn("Undecodable reply", slog.Any("error", err))
			continue
		}

		switch out.Type {
		case protocol.TypeMetrics:
			m := out.Metrics
			if m == nil {
				continue
			}
			logger.Info("Metrics",
				slog.Float64("overall", m.OverallScore),
				slog.String("band", string(out.Band)),
				slog.Float64("fluency", m.FluencyScore),
				slog.Float64("tempo", m.TempoScore),
				slog.Float64("pronunciation", m.PronunciationScore),
				slog.Float64("wpm", m.WordsPerMinute),
				slog.Int("words", m.WordCount),
				slog.Float64("silence", m.SilenceRatio),
				slog.Float64("confidence", m.Confidence),
				slog.Bool("forced", out.Forced),
			)
		case protocol.TypeActivity:
			if out.Activity != nil {
				logger.Info("Activity",
					slog.String("transition", out.Transition),
					slog.Bool("speaking", out.Activity.IsSpeaking),
					slog.Bool("waiting_for_voice", out.Activity.WaitingForVoice),
				)
			}
		case protocol.TypeError:
			logger.Warn("Service error", slog.String("error", out.Error))
		default:
			logger.Info("Reply", slog.String("type", out.Type), slog.String("session_id", out.SessionID))
		}
	}
}
