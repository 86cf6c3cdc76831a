// Package pipeline implements forager's tiered free-food detection
// flow: a zero-cost heuristic screen, a cheap semantic filter, and a
// governed structured-extraction step, stitched together with an
// idempotent dedup ledger so no message is processed and no event is
// published twice. It defines the Service (scan lifecycle), Pipeline
// (tier orchestration), Governor (rate/budget enforcement), Store
// interface (ledger persistence), and domain models.
package pipeline
