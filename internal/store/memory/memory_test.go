package memory

import (
	"testing"

	"github.com/iTrooz/strategy-cache-proxy/internal/store"
	"github.com/iTrooz/strategy-cache-proxy/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
