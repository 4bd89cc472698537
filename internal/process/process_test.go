package process_test

import (
	"testing"

	"github.com/agentscraper/scrapectl/internal/process"
	"github.com/stretchr/testify/require"
)

func alive(t *testing.T, h process.Handle) bool {
	t.Helper()
	ok, err := h.Alive(t.Context())
	require.NoError(t, err)
	return ok
}
