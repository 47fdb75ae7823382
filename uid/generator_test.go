package uid

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_generator_unique(t *testing.T) {
	g := NewGenerator("node-a")

	seen := make(map[Uid]struct{})
	var mux sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				u := g.Generate()
				mux.Lock()
				seen[u] = struct{}{}
				mux.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4000, len(seen))

	for u := range seen {
		assert.Equal(t, []byte("node-a"), u.ExtractServerID())
	}
}

func Test_generator_same_tick(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewGenerator("node-a", WithClock(func() time.Time { return now }))

	u1, u2 := g.Generate(), g.Generate()
	assert.NotEqual(t, u1, u2)
	assert.Equal(t, u1.ExtractTimestamp(), u2.ExtractTimestamp())
	assert.Equal(t, now.UnixMilli(), u1.ExtractTimestamp())
	assert.Equal(t, u1.ExtractSequence()+1, u2.ExtractSequence())
}

func Test_generator_server_id(t *testing.T) {
	tests := []struct {
		name     string
		serverID string
		lookup   func() (string, error)
		expect   string
	}{
		{
			name:     "configured",
			serverID: "node-b",
			lookup:   func() (string, error) { return "10.0.0.1", nil },
			expect:   "node-b",
		},
		{
			name:     "fallback to ip when empty",
			serverID: "",
			lookup:   func() (string, error) { return "10.0.0.1", nil },
			expect:   "10.0.0.1",
		},
		{
			name:     "fallback to ip when not ascii",
			serverID: "节点",
			lookup:   func() (string, error) { return "10.0.0.2", nil },
			expect:   "10.0.0.2",
		},
		{
			name:     "fallback to constant",
			serverID: "",
			lookup:   func() (string, error) { return "", errors.New("no network") },
			expect:   unknownServerID,
		},
		{
			name:     "truncated",
			serverID: strings.Repeat("x", 60),
			expect:   strings.Repeat("x", MaxServerIDLength),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []GeneratorOption{}
			if tt.lookup != nil {
				opts = append(opts, WithIPLookup(tt.lookup))
			}
			g := NewGenerator(tt.serverID, opts...)
			assert.Equal(t, tt.expect, string(g.ServerID()))
			assert.True(t, bytes.HasPrefix(g.Generate().Bytes(), []byte(tt.expect)))
		})
	}
}

func Test_generator_resolve_once(t *testing.T) {
	var calls int
	var mux sync.Mutex
	g := NewGenerator("", WithIPLookup(func() (string, error) {
		mux.Lock()
		defer mux.Unlock()
		calls++
		return "10.0.0.3", nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Generate()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}
