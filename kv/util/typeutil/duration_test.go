package typeutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

type example struct {
	Interval Duration `json:"interval" toml:"interval"`
}

func TestDurationJSON(t *testing.T) {
	example := &example{}

	text := []byte(`{"interval":"1h1m1s"}`)
	require.Nil(t, json.Unmarshal(text, example))
	require.Equal(t, float64(60*60+60+1), example.Interval.Seconds())

	b, err := json.Marshal(example)
	require.Nil(t, err)
	require.Equal(t, string(text), string(b))
}

func TestDurationTOML(t *testing.T) {
	example := &example{}

	text := []byte(`interval = "1h1m1s"`)
	require.Nil(t, toml.Unmarshal(text, example))
	require.Equal(t, float64(60*60+60+1), example.Interval.Seconds())

	require.NotNil(t, toml.Unmarshal([]byte(`interval = "forever"`), example))
}

func TestNewDuration(t *testing.T) {
	require.Equal(t, 5*time.Second, NewDuration(5*time.Second).Duration)
}
