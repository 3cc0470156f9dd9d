package dispatch

import "github.com/ShayCichocki/switchyard/pkg/models"

// FallbackChain is the static substitution order. The local backend is the
// end of the chain.
var FallbackChain = map[models.Backend]models.Backend{
	models.BackendInteractive: models.BackendParallel,
	models.BackendParallel:    models.BackendAPI,
	models.BackendAPI:         models.BackendLocal,
}

// GetNextFallback returns the backend to try after b, or "" when the chain
// is exhausted.
func GetNextFallback(b models.Backend) models.Backend {
	return FallbackChain[b]
}

// ChainFrom lists b followed by every fallback after it.
func ChainFrom(b models.Backend) []models.Backend {
	var chain []models.Backend
	seen := make(map[models.Backend]bool)
	for cur := b; cur != "" && !seen[cur]; cur = GetNextFallback(cur) {
		seen[cur] = true
		chain = append(chain, cur)
	}
	return chain
}
