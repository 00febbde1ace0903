package memory

import (
	"testing"

	"github.com/marmos91/lockfs/pkg/store/content"
	contenttesting "github.com/marmos91/lockfs/pkg/store/content/testing"
)

func TestMemoryDriver(t *testing.T) {
	suite := &contenttesting.DriverTestSuite{
		NewDriver: func() content.Driver {
			return New()
		},
	}
	suite.Run(t)
}
