package noise

import (
	"math"
	"testing"
)

func TestCryptoNoiseSourceRejectsNonPositiveEpsilon(t *testing.T) {
	var src CryptoNoiseSource
	if _, err := src.Laplace(0, "k"); err == nil {
		t.Error("expected an error for epsilon = 0")
	}
	if _, err := src.Laplace(-1, "k"); err == nil {
		t.Error("expected an error for negative epsilon")
	}
}

func TestDeterministicNoiseSourceIsReproducible(t *testing.T) {
	src := DeterministicNoiseSource{Seed: "idempotency-test"}
	const key = "site-a|pageviews|2026-07-29T10:00:00Z"

	a, err := src.Laplace(1.0, key)
	if err != nil {
		t.Fatalf("Laplace failed: %v", err)
	}
	b, err := src.Laplace(1.0, key)
	if err != nil {
		t.Fatalf("Laplace failed: %v", err)
	}
	if a != b {
		t.Errorf("expected identical draws for the same seed key, got %v and %v", a, b)
	}
}

func TestDeterministicNoiseSourceVariesBySeedKey(t *testing.T) {
	src := DeterministicNoiseSource{Seed: "idempotency-test"}
	a, _ := src.Laplace(1.0, "site-a|pageviews|w1")
	b, _ := src.Laplace(1.0, "site-a|pageviews|w2")
	if a == b {
		t.Error("expected different seed keys to produce different draws (collision is possible but astronomically unlikely here)")
	}
}

func TestLaplaceScalesWithEpsilon(t *testing.T) {
	// Smaller epsilon means larger scale (1/epsilon), so over many draws the
	// average magnitude should grow as epsilon shrinks.
	const n = 2000
	sumSmallEps := 0.0
	sumLargeEps := 0.0

	srcSmall := DeterministicNoiseSource{Seed: "fixed-seed-small"}
	srcLarge := DeterministicNoiseSource{Seed: "fixed-seed-large"}
	for i := 0; i < n; i++ {
		key := string(rune(i))
		vSmall, _ := srcSmall.Laplace(0.1, key)
		vLarge, _ := srcLarge.Laplace(10.0, key)
		sumSmallEps += math.Abs(vSmall)
		sumLargeEps += math.Abs(vLarge)
	}

	avgSmallEps := sumSmallEps / n
	avgLargeEps := sumLargeEps / n
	if avgSmallEps <= avgLargeEps {
		t.Errorf("expected epsilon=0.1 draws (avg %v) to be larger in magnitude than epsilon=10 draws (avg %v)", avgSmallEps, avgLargeEps)
	}
}
