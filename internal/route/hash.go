package route

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"strconv"

	"jobrig/internal/model"
)

// consistentHash maps the job id onto a fixed ring seeded by worker address.
// The same job id always lands on the same address while the address set is
// stable; adding or removing one address remaps only the arc it owned.
type consistentHash struct{}

const virtualNodesPerAddress = 100

func (consistentHash) Name() string { return model.RouteConsistentHash }

func (consistentHash) Route(_ context.Context, jobID int, addresses []string) (string, string, error) {
	if len(addresses) == 0 {
		return "", "", ErrNoAddresses
	}
	return selectByHash(jobID, addresses), "", nil
}

type ringNode struct {
	hash uint32
	addr string
}

func selectByHash(jobID int, addresses []string) string {
	ring := make([]ringNode, 0, len(addresses)*virtualNodesPerAddress)
	for _, addr := range addresses {
		for i := 0; i < virtualNodesPerAddress; i++ {
			h := ringHash(fmt.Sprintf("SHARD-%s-NODE-%d", addr, i))
			ring = append(ring, ringNode{hash: h, addr: addr})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	jobHash := ringHash(strconv.Itoa(jobID))

	// First virtual node clockwise from the job position, wrapping around.
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= jobHash })
	if idx == len(ring) {
		idx = 0
	}
	return ring[idx].addr
}

// ringHash positions a key on the 2^32 ring using the first 4 bytes of its
// md5 digest, little-endian.
func ringHash(key string) uint32 {
	d := md5.Sum([]byte(key))
	return uint32(d[3])<<24 | uint32(d[2])<<16 | uint32(d[1])<<8 | uint32(d[0])
}
