package modules

import "github.com/nnennaai/nai/pkg/module"

// RegisterBuiltins installs the in-process adapters into the registry. The
// store-backed providers share a single vector store so that ingest and run
// graphs built from the same registry see the same collection.
func RegisterBuiltins(reg *module.Registry, store VectorStore) {
	reg.Register(module.CapCustom, "chunker", NewChunker)
	reg.Register(module.CapCustom, "query-loader", NewQueryLoader)
	reg.Register(module.CapEmbedder, "hash", NewHashEmbedder)
	reg.Register(module.CapGenerator, "extractive", NewExtractiveGenerator)
	reg.Register(module.CapEvaluator, "overlap", NewOverlapEvaluator)
	reg.Register(module.CapEvaluator, "exact", NewExactMatchEvaluator)

	reg.Register(module.CapCustom, "memory-writer", func(cfg map[string]any) (module.Adapter, error) {
		return NewStoreWriter(store, cfg)
	})
	reg.Register(module.CapRetriever, "memory", func(cfg map[string]any) (module.Adapter, error) {
		return NewRetriever(store, cfg)
	})
}
