package domain

import "testing"

func TestEffectiveStop(t *testing.T) {
	base := Position{
		Side:       SideLong,
		EntryPrice: 100,
		StopPrice:  95,
	}

	tests := []struct {
		name   string
		mutate func(*Position)
		want   float64
	}{
		{"primary stop before any tp", func(p *Position) {}, 95},
		{"breakeven after tp1", func(p *Position) { p.TP1Fill = true }, 100},
		{"runner stop after tp2", func(p *Position) {
			p.TP1Fill = true
			p.TP2Fill = true
			p.RunnerStopPrice = 103
		}, 103},
		{"tp2 without runner stop falls back to breakeven", func(p *Position) {
			p.TP1Fill = true
			p.TP2Fill = true
		}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			if got := p.EffectiveStop(); got != tt.want {
				t.Fatalf("EffectiveStop() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemainingQty(t *testing.T) {
	p := Position{Qty: 10, TP1Qty: 4, TP2Qty: 4}

	if got := p.RemainingQty(); got != 10 {
		t.Fatalf("before fills: got %v, want 10", got)
	}
	p.TP1Fill = true
	if got := p.RemainingQty(); got != 6 {
		t.Fatalf("after tp1: got %v, want 6", got)
	}
	p.TP2Fill = true
	if got := p.RemainingQty(); got != 2 {
		t.Fatalf("after tp2: got %v, want 2", got)
	}
}

func TestStopAndTargetHit(t *testing.T) {
	long := Position{Side: SideLong}
	short := Position{Side: SideShort}

	if !long.StopHit(94.9, 95) {
		t.Error("long stop should trigger at or below level")
	}
	if long.StopHit(95.1, 95) {
		t.Error("long stop should not trigger above level")
	}
	if !short.StopHit(105.1, 105) {
		t.Error("short stop should trigger at or above level")
	}
	if !long.TargetHit(110, 110) {
		t.Error("long target should trigger at level")
	}
	if !short.TargetHit(89, 90) {
		t.Error("short target should trigger below level")
	}
}

func TestPnL(t *testing.T) {
	long := Position{Side: SideLong, EntryPrice: 100}
	short := Position{Side: SideShort, EntryPrice: 100}

	if got := long.PnL(110, 2); got != 20 {
		t.Errorf("long pnl = %v, want 20", got)
	}
	if got := short.PnL(110, 2); got != -20 {
		t.Errorf("short pnl = %v, want -20", got)
	}
}
