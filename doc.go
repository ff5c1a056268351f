/*
Package espalier is a stateful workflow engine for building multi-step agents and automation pipelines.

A workflow is a directed graph of nodes. Each node runs a handler that reads a snapshot of the run state and returns a partial update. The engine merges the update, follows the node's edge or conditional edge group, and repeats until the run reaches a terminal node, pauses at an approval checkpoint, or exhausts its step budget.

# Concept

Espalier separates the graph (immutable, built once and shared) from runs (one state machine per execution). Handlers are supplied by the host application: calling a completion service, querying a retriever, asking a human. The engine owns routing, persistence of snapshots, error recovery and observability.

# Key Features

  - Bounded Execution: every run stops within its step budget, even on routing cycles.
  - Human in the Loop: approval nodes suspend a run; Resume continues it from any process sharing the store.
  - Error Recovery: failures are classified (tool, reasoning, timeout) and retried with a matching strategy before the run gives up with a fallback answer.
  - Hexagonal Architecture: storage (memory, file, Redis), transport (HTTP, MCP) and telemetry are adapters.

# Usage

	package main

	import (
		"context"
		"fmt"
		"log"

		"github.com/aretw0/espalier"
		"github.com/aretw0/espalier/pkg/domain"
		"github.com/aretw0/espalier/pkg/graph"
	)

	func main() {
		answer := domain.HandlerFunc(func(ctx context.Context, s domain.View) (domain.Update, domain.Signal, error) {
			return domain.Set(domain.FieldFinalAnswer, "hello "+s.String("name")), domain.Continue, nil
		})

		def, err := graph.New("greeter").
			Node("greet", domain.KindNormal, answer).
			Node("done", domain.KindTerminal, nil).
			AddEdge("greet", "done").
			SetStart("greet").
			Build()
		if err != nil {
			log.Fatal(err)
		}

		eng := espalier.New()
		rec, err := eng.Start(context.Background(), def, map[string]any{"name": "world"})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(rec.Status, rec.State.Fields[domain.FieldFinalAnswer])
	}
*/
package espalier
