// Package modules provides the builtin module adapters: a text chunker, a
// hashed-feature embedder, an in-memory vector store with its writer and
// retriever adapters, an extractive generator, and two evaluators. Each is a
// deterministic local implementation of the adapter contract; network-backed
// providers register themselves under the same capabilities and names of
// their own choosing.
package modules
