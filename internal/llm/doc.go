// Package llm contains adapters for invoking large language models. The agent
// runtime only depends on the Client interface; provider specifics live in
// sub-packages.
package llm
