// Package domain contains the core types shared across the pipeline engine:
// payloads, failure classification, trace events, and run records. It depends
// on no other nai package so that every layer can speak the same vocabulary
// without import cycles.
package domain
