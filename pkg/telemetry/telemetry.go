// Package telemetry mirrors the agent's response lines to an optional
// Redis side channel for host-side dashboards. It is never a source of
// truth: the agent's own wire protocol over the serial device is
// authoritative, and telemetry publishing failures never affect command
// handling.
package telemetry

import (
	"fmt"
	"log"
	"time"

	"github.com/fxamacker/cbor/v2"

	redisclient "github.com/wasmagent/agent/pkg/redis"
)

// Event is the CBOR-encoded record published for each response line the
// agent emits.
type Event struct {
	Line string `cbor:"line"`
	Unix int64  `cbor:"unix"`
}

// Mirror publishes agent response lines and slot-state snapshots.
// agent.Agent depends only on this interface, never on Redis directly.
type Mirror interface {
	Publish(line string)

	// MirrorSlot writes a slot's current snapshot into a per-slot hash so
	// a dashboard can read live state without re-parsing STATUS_OK text.
	// Called with used=false to clear a slot's fields once it goes Empty.
	MirrorSlot(idx int, used bool, moduleID string, state string, wasmSize uint32)
}

// RedisMirror publishes each line as a CBOR-encoded Event on a Redis
// pub/sub channel, built on pkg/redis's generic client.
type RedisMirror struct {
	client  *redisclient.Client
	channel string
}

// NewRedisMirror dials addr and returns a Mirror that publishes onto
// channel, or nil with an error if Redis is unreachable. Telemetry is
// optional: callers should log the error and run with a nil Mirror
// rather than fail agent startup over it.
func NewRedisMirror(addr, channel string) (*RedisMirror, error) {
	client, err := redisclient.New(addr, "", 0)
	if err != nil {
		return nil, err
	}
	return &RedisMirror{client: client, channel: channel}, nil
}

// Publish CBOR-encodes line, publishes it on the live channel, and LPushes
// it onto a durable event list (so a consumer that wasn't subscribed at
// the time can still drain it later), logging rather than propagating
// failures: a lost telemetry event never affects command handling on the
// authoritative serial link.
func (m *RedisMirror) Publish(line string) {
	if m == nil || m.client == nil {
		return
	}
	ev := Event{Line: line, Unix: timeNow()}
	data, err := cbor.Marshal(ev)
	if err != nil {
		log.Printf("telemetry: failed to encode event: %v", err)
		return
	}
	if err := m.client.Publish(m.channel, string(data)); err != nil {
		log.Printf("telemetry: failed to publish event: %v", err)
	}
	if err := m.client.LPush(m.channel+":log", string(data)); err != nil {
		log.Printf("telemetry: failed to archive event: %v", err)
	}
}

// MirrorSlot writes module_id/state/wasm_size into the hash
// "<channel>:slot:<idx>", or deletes those fields once the slot is no
// longer used, so a dashboard can read live slot state directly instead
// of re-parsing STATUS_OK's CSV fields.
func (m *RedisMirror) MirrorSlot(idx int, used bool, moduleID string, state string, wasmSize uint32) {
	if m == nil || m.client == nil {
		return
	}
	key := fmt.Sprintf("%s:slot:%d", m.channel, idx)
	if !used {
		m.client.HDel(key, "module_id")
		m.client.HDel(key, "state")
		m.client.HDel(key, "wasm_size")
		return
	}
	if err := m.client.WriteString(key, "module_id", moduleID); err != nil {
		log.Printf("telemetry: failed to mirror module_id for slot %d: %v", idx, err)
	}
	if err := m.client.WriteString(key, "state", state); err != nil {
		log.Printf("telemetry: failed to mirror state for slot %d: %v", idx, err)
	}
	if err := m.client.WriteInt(key, "wasm_size", int(wasmSize)); err != nil {
		log.Printf("telemetry: failed to mirror wasm_size for slot %d: %v", idx, err)
	}
}

// WatchCommands BRPOPs command lines off the Redis list key and hands each
// one to dispatch, letting a host push LOAD/START/STOP/STATUS commands
// through Redis instead of the physical UART. Mirrors the teacher's own
// Redis command-list watcher: block on BRPOP, back off a second on error,
// and stop as soon as stopCh closes.
func (m *RedisMirror) WatchCommands(stopCh <-chan struct{}, key string, dispatch func(string)) {
	if m == nil || m.client == nil {
		return
	}
	log.Printf("telemetry: watching redis command list %q", key)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		result, err := m.client.BRPop(0, key)
		if err != nil {
			log.Printf("telemetry: BRPOP on %s failed: %v", key, err)
			time.Sleep(time.Second)
			continue
		}
		if result == nil {
			continue
		}
		dispatch(result[1])
	}
}

// Close releases the underlying Redis connection.
func (m *RedisMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func timeNow() int64 { return nowFunc() }

// nowFunc supplies Event timestamps; it is a package variable so the
// time source can be replaced.
var nowFunc = func() int64 { return time.Now().Unix() }
