package cmdtest

import (
	"testing"
)

func TestMain(m *testing.M) {
	Main(m)
}

func TestPklls(t *testing.T) {
	Run(t, "testdata/pklls")
}
