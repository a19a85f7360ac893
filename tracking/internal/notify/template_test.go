package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"numbers", "delivery failed after 3 attempts", "delivery failed after <n> attempts"},
		{"quoted", `order "ORD-1" rejected by store`, "order <val> rejected by store"},
		{"uuid", "task 5b0c1f0e-8c1a-4f64-9a55-6a7d3f1e2b10 dead-lettered", "task <id> dead-lettered"},
		{"hex", "checksum deadbeef42 mismatch", "checksum <id> mismatch"},
		{"letters only hex word kept", "facade accepted", "facade accepted"},
		{"plain", "store degraded", "store degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Template(tt.message))
		})
	}
}

func TestTemplateGroupsVaryingMessages(t *testing.T) {
	a := Template(`task 11111111-2222-3333-4444-555555555555 for "ORD-1" failed after 3 attempts`)
	b := Template(`task aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee for "ORD-77" failed after 5 attempts`)
	assert.Equal(t, a, b)
}

func TestBucketKey(t *testing.T) {
	k1 := BucketKey("delivery.dead_lettered", "task <id> failed")
	k2 := BucketKey("delivery.dead_lettered", "task <id> failed")
	k3 := BucketKey("delivery.store_degraded", "task <id> failed")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 32)
}
