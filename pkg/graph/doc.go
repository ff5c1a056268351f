/*
Package graph builds and validates workflow definitions.

A Builder collects nodes, edges and conditional edge groups; Build checks the
structure (single start, known targets, every non-terminal node routed, every
node reachable) and returns an immutable Definition shared by all runs.

Workflows can also be declared in YAML or JSON and resolved against a Catalog
of named handlers and predicates:

	name: triage
	start: classify
	nodes:
	  - id: classify
	    handler: classify
	  - id: done
	    kind: terminal
	groups:
	  - from: classify
	    cases:
	      - when: field:urgent
	        to: done
	    default: done
*/
package graph
