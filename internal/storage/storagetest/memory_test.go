package storagetest

import (
	"testing"

	"github.com/moyitech/vdb-center/internal/storage"
)

func TestMemoryConformance(t *testing.T) {
	RunConformance(t, 8, func(*testing.T) storage.Store { return NewMemory() })
}
