// Package domain holds the aggregate types the dispatch core operates on:
// jobs, workers, status history, and the actor tag used by transition guards.
package domain

// ActorKind tags who is driving a transition. The original service dispatched
// on a dynamic user role; here it collapses to a closed tagged variant.
type ActorKind string

const (
	ActorCustomer ActorKind = "customer"
	ActorWorker   ActorKind = "worker"
	ActorAdmin    ActorKind = "admin"
	ActorSystem   ActorKind = "system"
)

// Actor identifies who performed an action, for guards and audit trails.
type Actor struct {
	Kind ActorKind
	ID   int64
	Name string
}

// System is the well-known actor used by background loops (payment timeout,
// cooldown release) that act without a human behind them.
var System = Actor{Kind: ActorSystem, Name: "system"}
