/*
Package scheduler implements the action scheduler (§4.3): a
resource-and-dependency-constrained concurrent dispatcher for long-running
jobs such as rsync invocations, bulk removals, and hooks.

An ActionList holds a named set of Actions. Actions declare:

  - Resources: no two actions sharing a resource name run concurrently.
  - Predecessors: (name, flags) pairs, where name may be an exact action
    name or, with the Glob flag, a pattern matched with path.Match
    semantics against every action name the list has ever seen.
  - Priority: when several actions are runnable, the highest-priority one
    goes first; among equal priorities, the action whose name sorts
    first goes first.

Calling List.Go starts the dispatch loop: it repeatedly picks runnable
actions, marks them Running, claims their resources, and invokes their Go
callback. An action reports completion by calling List.Completed, which
releases its resources and recursively triggers the next batch. The loop
terminates once every action has reached Succeeded or Failed.

A List-wide Deadline, if set, fails every still-Pending action without
running it once the deadline passes.
*/
package scheduler
