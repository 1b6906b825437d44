package engine

import (
	"errors"
	"math"
	"testing"
)

func testCatalog() BackendCatalog {
	return BackendCatalog{
		"T0": {
			{ID: "A", Tier: "T0", CostPerUnit: 10, Availability: 0.99, ContextCapacity: 200_000},
			{ID: "B", Tier: "T0", CostPerUnit: 5, Availability: 0.90, ContextCapacity: 100_000},
		},
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRouter_Score(t *testing.T) {
	scored, err := NewRouter().Score("T0", testCatalog(), 0, DefaultWeights())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(scored))
	}

	a, b := scored[0], scored[1]
	if !approx(a.CostScore, 0) || !approx(a.AvailabilityScore, 0.99) || !approx(a.ContextScore, 1) {
		t.Errorf("Unexpected components for A: %+v", a)
	}
	if !approx(b.CostScore, 0.5) || !approx(b.AvailabilityScore, 0.90) || !approx(b.ContextScore, 0.5) {
		t.Errorf("Unexpected components for B: %+v", b)
	}
	if !approx(a.Score, 0.597) {
		t.Errorf("Expected A score 0.597, got %v", a.Score)
	}
	if !approx(b.Score, 0.62) {
		t.Errorf("Expected B score 0.62, got %v", b.Score)
	}
}

func TestRouter_Select_IsDeterministic(t *testing.T) {
	router := NewRouter()
	for i := 0; i < 5; i++ {
		backend, err := router.Select("T0", testCatalog(), 0, DefaultWeights())
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if backend.ID != "B" {
			t.Fatalf("Expected B, got %s", backend.ID)
		}
	}
}

func TestRouter_Select_MinimumContextFilters(t *testing.T) {
	backend, err := NewRouter().Select("T0", testCatalog(), 150_000, DefaultWeights())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if backend.ID != "A" {
		t.Errorf("Expected A, got %s", backend.ID)
	}
}

func TestRouter_Select_CustomWeights(t *testing.T) {
	backend, err := NewRouter().Select("T0", testCatalog(), 0, Weights{Context: 1})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if backend.ID != "A" {
		t.Errorf("Expected A, got %s", backend.ID)
	}
}

func TestRouter_Select_TieGoesToFirstListed(t *testing.T) {
	catalog := BackendCatalog{
		"T1": {
			{ID: "first", CostPerUnit: 1, Availability: 0.5, ContextCapacity: 100_000},
			{ID: "second", CostPerUnit: 1, Availability: 0.5, ContextCapacity: 100_000},
		},
	}
	backend, err := NewRouter().Select("T1", catalog, 0, DefaultWeights())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if backend.ID != "first" {
		t.Errorf("Expected first, got %s", backend.ID)
	}
}

func TestRouter_Score_AllZeroCost(t *testing.T) {
	catalog := BackendCatalog{
		"T2": {
			{ID: "free", CostPerUnit: 0, Availability: 1, ContextCapacity: 50_000},
		},
	}
	scored, err := NewRouter().Score("T2", catalog, 0, DefaultWeights())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !approx(scored[0].CostScore, 1) {
		t.Errorf("Expected cost score 1, got %v", scored[0].CostScore)
	}
}

func TestRouter_Select_Errors(t *testing.T) {
	router := NewRouter()

	_, err := router.Select("T9", testCatalog(), 0, DefaultWeights())
	var unknown *UnknownTierError
	if !errors.As(err, &unknown) || unknown.Tier != "T9" {
		t.Errorf("Expected UnknownTierError for T9, got: %v", err)
	}

	_, err = router.Select("T0", testCatalog(), 500_000, DefaultWeights())
	var none *NoCandidateError
	if !errors.As(err, &none) || none.MinimumContext != 500_000 {
		t.Errorf("Expected NoCandidateError, got: %v", err)
	}

	_, err = router.Select("T0", BackendCatalog{"T0": nil}, 0, DefaultWeights())
	if !errors.As(err, &none) {
		t.Errorf("Expected NoCandidateError for an empty tier, got: %v", err)
	}
	if !IsConfiguration(err) {
		t.Errorf("Expected configuration class, got %q", ClassOf(err))
	}
}
