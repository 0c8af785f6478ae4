package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKafkaSourceValidation(t *testing.T) {
	_, err := NewKafkaSource(KafkaConfig{Topic: "events"})
	require.Error(t, err)
	_, err = NewKafkaSource(KafkaConfig{BootstrapServers: "localhost:9092"})
	require.Error(t, err)

	src, err := NewKafkaSource(KafkaConfig{BootstrapServers: "localhost:9092", Topic: "events"})
	require.NoError(t, err)
	assert.Empty(t, src.Position())
}

func TestSeekFiltersForeignTopics(t *testing.T) {
	src, err := NewKafkaSource(KafkaConfig{BootstrapServers: "localhost:9092", Topic: "events"})
	require.NoError(t, err)

	require.NoError(t, src.Seek(map[string]int64{
		"events/0": 10,
		"events/3": 25,
		"other/0":  99,
	}))
	assert.Equal(t, map[string]int64{"events/0": 10, "events/3": 25}, src.pending)
}

func TestOffsetKeyRoundTrip(t *testing.T) {
	key := offsetKey("events", 12)
	assert.Equal(t, "events/12", key)

	p, err := partitionOf(key)
	require.NoError(t, err)
	assert.Equal(t, int32(12), p)

	_, err = partitionOf("noslash")
	require.Error(t, err)
	_, err = partitionOf("events/notanumber")
	require.Error(t, err)
}
