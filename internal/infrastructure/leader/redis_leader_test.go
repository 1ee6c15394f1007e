package leader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"auction-lifecycle/pkg/logger"
)

func TestNewRedisLeaderElection_TTL(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{"configured", 5 * time.Second, 5 * time.Second},
		{"zero falls back", 0, defaultTTL},
		{"negative falls back", -time.Second, defaultTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			election := NewRedisLeaderElection(nil, tt.ttl, logger.Nop())
			assert.Equal(t, tt.want, election.ttl)
		})
	}
}

func TestRenewInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, renewInterval(30*time.Second))
	assert.Equal(t, 2*time.Nanosecond, renewInterval(2*time.Nanosecond))
}
