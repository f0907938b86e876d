package streamlog

import (
	"strconv"

	"github.com/lafikl/consistent"
)

// Partitioner maps record keys to a stable partition, so all records of one
// key share a partition regardless of which node produced them.
type Partitioner struct {
	count int
	ring  *consistent.Consistent
}

func NewPartitioner(count int) *Partitioner {
	if count < 1 {
		count = 1
	}
	ring := consistent.New()
	for i := 0; i < count; i++ {
		ring.Add(strconv.Itoa(i))
	}
	return &Partitioner{count: count, ring: ring}
}

func (p *Partitioner) Count() int {
	return p.count
}

// PartitionFor returns the partition name for the key.
func (p *Partitioner) PartitionFor(key string) string {
	if key == "" {
		return "0"
	}
	partition, err := p.ring.Get(key)
	if err != nil {
		// The ring is never empty, see NewPartitioner.
		panic(err)
	}
	return partition
}
