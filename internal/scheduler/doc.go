// Package scheduler executes a static graph of jobs concurrently.
//
// A job runs once every job it needs has succeeded. When a job fails, every
// job downstream of it is marked skipped and never started. Jobs expanded
// from a matrix share a group; needing the group waits for every instance,
// and a fail-fast group cancels its remaining instances after the first
// failure. Cycles, duplicate names and unknown dependencies are rejected when
// the graph is built.
//
// Job outputs flow along graph edges: a job reads the outputs of the jobs it
// declared through Inputs, and nothing else.
package scheduler
