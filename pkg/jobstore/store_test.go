package jobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		want    string
	}{
		{"zero attempt clamps to one", 0, "10 seconds"},
		{"negative attempt clamps to one", -5, "10 seconds"},
		{"first attempt", 1, "10 seconds"},
		{"third attempt", 3, "30 seconds"},
		{"caps at five minutes", 100, "300 seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backoffFor(tt.attempt))
		})
	}
}
