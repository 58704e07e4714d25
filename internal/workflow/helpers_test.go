package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func unmarshal(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
