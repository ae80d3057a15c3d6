// Package workflow executes audit graphs.
//
// A Graph is an ordered list of stages. A stage is a single node, a fan-out
// of independent nodes, or a fan-in node that runs once its group's
// fan-out has settled. Nodes read a Snapshot of shared state taken at stage
// entry and return a Fragment; the Executor merges fragments in declared
// order at each barrier, so results never depend on completion order.
//
// A run moves Pending -> Running(i) -> Synthesizing -> Completed, or to
// Failed when a required node fails or state cannot be merged. Graphs that
// do not synthesize stop at Completed after their last stage and produce
// evidence only.
package workflow
