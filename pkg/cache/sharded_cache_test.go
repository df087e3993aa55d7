package cache

import "testing"

func TestSetIgnoresOlderCandles(t *testing.T) {
	c := NewPriceCache()
	if !c.Set("BTCUSDT", 100, 2000) {
		t.Fatalf("first Set rejected")
	}
	if c.Set("BTCUSDT", 90, 1000) {
		t.Fatalf("older candle accepted")
	}
	if p, ok := c.Get("BTCUSDT"); !ok || p != 100 {
		t.Fatalf("price=%v ok=%v, expected 100", p, ok)
	}
	if !c.Set("BTCUSDT", 110, 2000) {
		t.Fatalf("same candle update rejected")
	}
}

func TestUpdateKeepsWatermark(t *testing.T) {
	c := NewPriceCache()
	c.Set("ETHUSDT", 10, 5000)
	c.Update("ETHUSDT", 12)
	if p, _ := c.Get("ETHUSDT"); p != 12 {
		t.Fatalf("price=%v, expected 12", p)
	}
	if c.Set("ETHUSDT", 9, 4000) {
		t.Fatalf("Update moved the watermark back")
	}
	if c.getShard("ETHUSDT") != c.getShard("ETHUSDT") {
		t.Fatalf("shard selection not stable")
	}
}
