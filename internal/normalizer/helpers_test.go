package normalizer

import (
	"context"
	"time"

	"github.com/techfish-11/ttsrelay/internal/dictionary"
	"github.com/techfish-11/ttsrelay/internal/storage"
)

// dictionaryCacheForTest builds a real [dictionary.Cache] over store so
// normalizer tests exercise the same snapshot path production code uses,
// without a live database.
func dictionaryCacheForTest(store *storage.MemStore) (*dictionary.Cache, error) {
	return dictionary.New(context.Background(), store, dictionary.WithRefreshInterval(time.Hour))
}
