// Package tui renders router state: a one-shot status view for the status
// command and a live bubbletea dashboard for the watch command.
//
// Both read a Snapshot assembled by a Collector from the breaker, rate
// governor, budget ledger, health probe and admission queue. The dashboard
// re-collects on every refresh tick; q or ctrl+c quits and tab moves focus
// between the backend and queue tables.
package tui
