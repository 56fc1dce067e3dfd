package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucket_StableAndInRange(t *testing.T) {
	bm := NewBucketingManager(8)

	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("user%d@example.com", i)
		b := bm.Bucket(key)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 8)
		assert.Equal(t, b, bm.Bucket(key))
		seen[b] = true
	}
	assert.Len(t, seen, 8, "500 keys should touch every bucket")
}

func TestNewBucketingManager_ClampsToOne(t *testing.T) {
	bm := NewBucketingManager(0)
	assert.Equal(t, 1, bm.Buckets())
	assert.Equal(t, []int{0}, bm.All())
	assert.Equal(t, 0, bm.Bucket("anything"))
}
