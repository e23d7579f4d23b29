package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PERFORMANCE METRICS
// ═══════════════════════════════════════════════════════════════════════════════
//
// Statistics are float64: they describe the run, they are not money.
//
// ═══════════════════════════════════════════════════════════════════════════════

const annualizationDays = 365.0

// Metrics summarize a backtest result.
type Metrics struct {
	TotalReturnPct      float64
	AnnualizedReturnPct float64

	TotalTrades  int
	WinningTrade int
	LosingTrades int
	WinRate      float64
	ProfitFactor float64

	AvgTradePct float64
	AvgWinPct   float64
	AvgLossPct  float64

	MaxDrawdownPct      float64
	MaxDrawdownDuration time.Duration

	SharpeRatio  float64
	SortinoRatio float64
	CalmarRatio  float64
}

// ComputeMetrics derives the summary from the equity curve and trade list.
// riskFreeRate is annual, e.g. 0.04.
func ComputeMetrics(initial decimal.Decimal, curve []EquityPoint, trades []types.Trade, riskFreeRate float64) Metrics {
	var m Metrics
	if len(curve) == 0 || !initial.IsPositive() {
		return m
	}

	initF, _ := initial.Float64()
	finalF, _ := curve[len(curve)-1].Equity.Float64()
	m.TotalReturnPct = (finalF/initF - 1) * 100

	elapsed := curve[len(curve)-1].Time.Sub(curve[0].Time)
	if days := elapsed.Hours() / 24; days >= 1 {
		m.AnnualizedReturnPct = (math.Pow(finalF/initF, annualizationDays/days) - 1) * 100
	} else {
		m.AnnualizedReturnPct = m.TotalReturnPct
	}

	m.tradeStats(trades)
	m.drawdown(curve)

	daily := dailyReturns(curve)
	m.SharpeRatio = sharpe(daily, riskFreeRate)
	m.SortinoRatio = sortino(daily, riskFreeRate)
	if m.MaxDrawdownPct > 0 {
		m.CalmarRatio = m.AnnualizedReturnPct / m.MaxDrawdownPct
	}
	return m
}

func (m *Metrics) tradeStats(trades []types.Trade) {
	var grossWin, grossLoss float64
	var sumPct, sumWinPct, sumLossPct float64

	for _, t := range trades {
		m.TotalTrades++
		if t.Side != "SELL" {
			continue // entries realize nothing
		}
		pnl, _ := t.PnL.Float64()
		notional, _ := t.Price.Mul(t.Size).Float64()
		pct := 0.0
		if notional > 0 {
			pct = pnl / notional * 100
		}
		sumPct += pct
		switch {
		case pnl > 0:
			m.WinningTrade++
			grossWin += pnl
			sumWinPct += pct
		case pnl < 0:
			m.LosingTrades++
			grossLoss += -pnl
			sumLossPct += pct
		}
	}

	closed := m.WinningTrade + m.LosingTrades
	if closed > 0 {
		m.WinRate = float64(m.WinningTrade) / float64(closed)
		m.AvgTradePct = sumPct / float64(closed)
	}
	if m.WinningTrade > 0 {
		m.AvgWinPct = sumWinPct / float64(m.WinningTrade)
	}
	if m.LosingTrades > 0 {
		m.AvgLossPct = sumLossPct / float64(m.LosingTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}
}

func (m *Metrics) drawdown(curve []EquityPoint) {
	peak, _ := curve[0].Equity.Float64()
	peakAt := curve[0].Time
	var worst float64
	var worstDur time.Duration

	for _, p := range curve {
		eq, _ := p.Equity.Float64()
		if eq >= peak {
			peak = eq
			peakAt = p.Time
			continue
		}
		dd := (peak - eq) / peak * 100
		if dd > worst {
			worst = dd
		}
		if dur := p.Time.Sub(peakAt); dur > worstDur {
			worstDur = dur
		}
	}
	m.MaxDrawdownPct = worst
	m.MaxDrawdownDuration = worstDur
}

// dailyReturns collapses the curve to end-of-day equity and differences it.
func dailyReturns(curve []EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	var eod []float64
	lastDay := curve[0].Time.UTC().Truncate(24 * time.Hour)
	prev, _ := curve[0].Equity.Float64()
	for _, p := range curve[1:] {
		day := p.Time.UTC().Truncate(24 * time.Hour)
		if !day.Equal(lastDay) {
			eod = append(eod, prev)
			lastDay = day
		}
		prev, _ = p.Equity.Float64()
	}
	eod = append(eod, prev)

	first, _ := curve[0].Equity.Float64()
	rets := make([]float64, 0, len(eod))
	last := first
	for _, eq := range eod {
		if last > 0 {
			rets = append(rets, eq/last-1)
		}
		last = eq
	}
	return rets
}

func sharpe(daily []float64, riskFreeRate float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	rfDaily := riskFreeRate / annualizationDays
	mean := meanOf(daily) - rfDaily
	sd := stddev(daily)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(annualizationDays)
}

func sortino(daily []float64, riskFreeRate float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	rfDaily := riskFreeRate / annualizationDays
	mean := meanOf(daily) - rfDaily

	var downSq float64
	var n int
	for _, r := range daily {
		if r < rfDaily {
			d := r - rfDaily
			downSq += d * d
			n++
		}
	}
	if n == 0 {
		if mean > 0 {
			return math.Inf(1)
		}
		return 0
	}
	dd := math.Sqrt(downSq / float64(len(daily)))
	if dd == 0 {
		return 0
	}
	return mean / dd * math.Sqrt(annualizationDays)
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := meanOf(xs)
	var sq float64
	for _, x := range xs {
		d := x - mu
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}
