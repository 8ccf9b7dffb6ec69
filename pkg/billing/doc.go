// Package billing implements component G: per-request cost calculation
// and upstream LLM proxying with streaming-aware usage extraction.
// Engine implements payproc.BillingEngine; Proxy fronts the
// reverse-proxy path and feeds extracted usage back through Engine.
package billing
