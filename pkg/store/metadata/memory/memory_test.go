package memory

import (
	"testing"

	"github.com/marmos91/lockfs/pkg/store/metadata"
	metadatatesting "github.com/marmos91/lockfs/pkg/store/metadata/testing"
)

func TestMemoryStore(t *testing.T) {
	suite := &metadatatesting.StoreTestSuite{
		NewStore: func() metadata.Store {
			return New()
		},
	}
	suite.Run(t)
}
