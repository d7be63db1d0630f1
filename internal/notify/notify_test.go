package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/gunshot"
	"github.com/banshee-data/gunshot.report/internal/monitoring"
)

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                 { return t.err }

func (doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, qos, retained, payload.([]byte)})
	return doneToken{}
}

func snapshot() gunshot.Snapshot {
	pos := geo.Position{Latitude: 48.8566, Longitude: 2.3522, Altitude: 35}
	ts := int64(1_700_000_000_000)
	return gunshot.Snapshot{
		ID:                   12,
		State:                gunshot.StateConfirmed,
		WeaponType:           "rifle",
		Clients:              []string{"a", "b", "c"},
		Position:             &pos,
		EstimatedTimestampMs: &ts,
		ShotsFired:           2,
	}
}

func TestMQTT_PublishesSnapshotAtQoS0(t *testing.T) {
	pub := &fakePublisher{}
	m := newMQTT(pub, "alerts/gunshots")

	m.Notify(snapshot())

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "alerts/gunshots", msg.topic)
	assert.Equal(t, byte(0), msg.qos)
	assert.False(t, msg.retained)

	var got gunshot.Snapshot
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, snapshot(), got)
}

func TestMQTT_DefaultTopic(t *testing.T) {
	pub := &fakePublisher{}
	newMQTT(pub, "").Notify(snapshot())
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "gunshot/events", pub.msgs[0].topic)
}

func TestNewMQTT_RequiresBroker(t *testing.T) {
	_, err := NewMQTT(MQTTConfig{})
	assert.Error(t, err)
}

func TestLogAndMulti(t *testing.T) {
	var lines []string
	orig := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmtLine(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(orig) })

	pub := &fakePublisher{}
	Multi{Log{}, newMQTT(pub, "t")}.Notify(snapshot())

	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "[notify] gunshot 12 confirmed: rifle, 3 clients, 2 shots"), lines[0])
	assert.Len(t, pub.msgs, 1)

	lines = nil
	s := snapshot()
	s.Position = nil
	Log{}.Notify(s)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "origin unknown")
}

func fmtLine(format string, v ...interface{}) string {
	return fmt.Sprintf(format, v...)
}
