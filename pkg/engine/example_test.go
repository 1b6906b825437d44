package engine_test

import (
	"context"
	"fmt"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
)

// Example_resolve shows dependency resolution with a stable tie-break.
func Example_resolve() {
	items := []engine.WorkItem{
		{ID: "api", DependsOn: []string{"schema"}},
		{ID: "schema"},
		{ID: "docs"},
		{ID: "ui", DependsOn: []string{"api"}},
	}

	edges := engine.EdgesFromItems(items)
	resolver := engine.NewResolver()
	order, err := resolver.Resolve(items, edges)
	if err != nil {
		panic(err)
	}
	fmt.Println(order)

	levels, err := resolver.Levels(items, edges)
	if err != nil {
		panic(err)
	}
	fmt.Println(levels)

	// Output:
	// [schema api docs ui]
	// [[schema docs] [api] [ui]]
}

// Example_route shows weighted backend selection.
func Example_route() {
	catalog := engine.BackendCatalog{
		"T0": {
			{ID: "A", CostPerUnit: 10, Availability: 0.99, ContextCapacity: 200_000},
			{ID: "B", CostPerUnit: 5, Availability: 0.90, ContextCapacity: 100_000},
		},
	}

	scored, err := engine.NewRouter().Score("T0", catalog, 0, engine.DefaultWeights())
	if err != nil {
		panic(err)
	}
	for _, s := range scored {
		fmt.Printf("%s %.3f\n", s.Backend.ID, s.Score)
	}

	// Output:
	// A 0.597
	// B 0.620
}

// Example_progress shows the projection of a checkpoint.
func Example_progress() {
	p := engine.ProgressOf(&engine.Checkpoint{
		FeatureID:      "F1",
		ExecutionOrder: []string{"A", "B", "C", "D"},
		CompletedWS:    []string{"A", "B"},
		CurrentWS:      "C",
		Status:         engine.CheckpointStatusRunning,
	})
	fmt.Printf("%s %.0f%% current=%s remaining=%v\n", p.Status, p.Percentage, p.Current, p.Remaining)

	// Output:
	// running 50% current=C remaining=[C D]
}

// Example_builderFunc shows a builder that always succeeds.
func Example_builderFunc() {
	builder := engine.BuilderFunc(func(ctx context.Context, req engine.BuildRequest) (*engine.BuildOutcome, error) {
		return &engine.BuildOutcome{Success: true, Output: "built " + req.Item.ID}, nil
	})

	outcome, _ := builder.Build(context.Background(), engine.BuildRequest{Item: engine.WorkItem{ID: "A"}})
	fmt.Println(outcome.Output)

	// Output:
	// built A
}
