package espalier_test

import (
	"context"
	"fmt"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
)

func Example() {
	greet := domain.HandlerFunc(func(ctx context.Context, s domain.View) (domain.Update, domain.Signal, error) {
		return domain.Set(domain.FieldFinalAnswer, "hello "+s.String("name")), domain.Continue, nil
	})

	def, err := graph.New("greeter").
		Node("greet", domain.KindNormal, greet).
		Node("done", domain.KindTerminal, nil).
		AddEdge("greet", "done").
		SetStart("greet").
		Build()
	if err != nil {
		panic(err)
	}

	eng := espalier.New()
	rec, err := eng.Start(context.Background(), def, map[string]any{"name": "world"})
	if err != nil {
		panic(err)
	}
	fmt.Println(rec.Status, rec.State.Fields[domain.FieldFinalAnswer], rec.State.StepCount)
	// Output: completed hello world 2
}

func ExampleEngine_Resume() {
	draft := domain.HandlerFunc(func(ctx context.Context, s domain.View) (domain.Update, domain.Signal, error) {
		return domain.Set("draft", "v1"), domain.Continue, nil
	})
	review := domain.HandlerFunc(func(ctx context.Context, s domain.View) (domain.Update, domain.Signal, error) {
		return domain.Update{}.WithPayload(s.String("draft")), domain.Suspend, nil
	})

	def, err := graph.New("review").
		Node("draft", domain.KindNormal, draft).
		Node("review", domain.KindApproval, review).
		Node("publish", domain.KindTerminal, nil).
		AddEdge("draft", "review").
		AddEdge("review", "publish").
		SetStart("draft").
		Build()
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	eng := espalier.New()
	rec, _ := eng.Start(ctx, def, nil)
	fmt.Println(rec.Status, rec.Approval.Payload)

	rec, err = eng.Resume(ctx, domain.ApprovalDecision{
		RunID:     rec.RunID,
		RequestID: rec.Approval.ID,
		Approved:  true,
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(rec.Status, rec.CurrentNode)
	// Output:
	// suspended v1
	// completed publish
}
