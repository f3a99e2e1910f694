// Package backtest implements the deterministic one-minute tick replay the
// close-of-business reconciler runs to measure how well the live SL/target
// logic tracked the day's actual market, including for rows whose entry
// never filled.
//
// Grounded on the teacher's application/engine/paper.Engine: the same
// "step through recorded market data one sample at a time, apply the same
// decision function the live engine uses, track mark-to-market" shape,
// generalized from queue-aware CLOB fill simulation to fixed one-minute
// bracket-order ticks.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kvrao/intraday-engine/internal/domain"
	"github.com/kvrao/intraday-engine/internal/ports"
)

// MinuteResult is one per-minute mark-to-market sample from a replay.
type MinuteResult struct {
	Minute      time.Time
	PnL         float64
	Exited      bool
	ExitReason  string
}

// Replay steps the recorded ticks for one position's scrip through the same
// risk math the live engine uses (CalcSL/GetNewSL/CalcTarget), from the
// position's entry price (or a flat no-op if it was never filled) to either
// an SL/target exit or the session's last tick.
//
// A never-filled entry (p.EntryOrderStatus != StatusEntryFilled) replays as a
// flat trade with zero P&L at every minute — that's the Open Question
// decision in DESIGN.md: every scrip gets full BACKTEST coverage regardless
// of whether the live leg ever filled.
func Replay(ctx context.Context, provider ports.TickDataProvider, p *domain.Position, sessionStart, sessionEnd time.Time) ([]MinuteResult, error) {
	ticks, err := provider.Ticks(ctx, p.Scrip, sessionStart, sessionEnd)
	if err != nil {
		return nil, fmt.Errorf("backtest.Replay: fetch ticks for %s: %w", p.Scrip, err)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Time.Before(ticks[j].Time) })

	minuteTicks := bucketByMinute(ticks)

	if p.EntryOrderStatus != domain.StatusEntryFilled {
		out := make([]MinuteResult, 0, len(minuteTicks))
		for _, mt := range minuteTicks {
			out = append(out, MinuteResult{Minute: mt.minute, PnL: 0})
		}
		return out, nil
	}

	sl := p.SLPrice
	target := p.TargetPrice
	exited := false
	var exitReason string
	exitPrice := p.EntryPrice

	var out []MinuteResult
	for _, mt := range minuteTicks {
		ltp := mt.last
		if !exited {
			if newSL, moved := domain.GetNewSL(&domain.Position{
				Signal: p.Signal, SLPct: p.SLPct, TrailSLPct: p.TrailSLPct, SLPrice: sl, Tick: p.Tick,
			}, ltp); moved {
				sl = newSL
			}

			switch p.Signal {
			case domain.SignalBuy:
				if ltp <= sl {
					exited, exitReason, exitPrice = true, "SL-HIT", sl
				} else if ltp >= target {
					exited, exitReason, exitPrice = true, "TARGET-HIT", target
				}
			case domain.SignalSell:
				if ltp >= sl {
					exited, exitReason, exitPrice = true, "SL-HIT", sl
				} else if ltp <= target {
					exited, exitReason, exitPrice = true, "TARGET-HIT", target
				}
			}
		}

		pnl := p.Quantity * float64(p.Signal) * (currentMark(exited, exitPrice, ltp) - p.EntryPrice)
		out = append(out, MinuteResult{Minute: mt.minute, PnL: pnl, Exited: exited, ExitReason: exitReason})
	}
	return out, nil
}

func currentMark(exited bool, exitPrice, ltp float64) float64 {
	if exited {
		return exitPrice
	}
	return ltp
}

type minuteBucket struct {
	minute time.Time
	last   float64
}

// bucketByMinute collapses a recorded tick stream to one sample per minute
// (the last tick seen in that minute), matching the coarse replay grain
// spec.md §4.6 asks for.
func bucketByMinute(ticks []ports.Tick) []minuteBucket {
	buckets := make(map[time.Time]float64)
	var order []time.Time
	for _, t := range ticks {
		m := t.Time.Truncate(time.Minute)
		if _, ok := buckets[m]; !ok {
			order = append(order, m)
		}
		buckets[m] = t.LTP
	}
	out := make([]minuteBucket, 0, len(order))
	for _, m := range order {
		out = append(out, minuteBucket{minute: m, last: buckets[m]})
	}
	return out
}
