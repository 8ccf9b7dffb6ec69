// Package config defines the gateway's runtime configuration: service and
// asset identity, claim scheduler policy, timeouts, admin DIDs, and the
// per-provider blocks the billing engine uses to validate and route LLM
// traffic. It loads from YAML/env via viper and mirrors the
// validate-then-default pattern the rest of this codebase uses for
// configuration (see the payer-side SDK's own Config for the lineage).
package config
