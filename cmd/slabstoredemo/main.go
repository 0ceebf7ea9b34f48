// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/fmstephe/slabstore"
	"github.com/fmstephe/slabstore/backing"
	"go.uber.org/zap"
)

var (
	poolBytesFlag  = flag.Uint64("pool-bytes", 16<<20, "target size, in bytes, of the demo pool")
	totalBytesFlag = flag.Uint64("total-bytes", 64<<20, "total size, in bytes, of the backing region")
	allocCountFlag = flag.Int("allocations", 1000, "number of allocations to exercise before freeing half of them")
)

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("building logger: %s", err)
	}
	defer logger.Sync()

	slabMem, releaseSlabs, err := backing.NewRegion(int(*totalBytesFlag))
	if err != nil {
		log.Fatalf("allocating slab region: %s", err)
	}
	defer releaseSlabs()

	const headerBytesPerSlab = 16
	numSlabs := int(*totalBytesFlag) / (4 << 20)
	headerMem, releaseHeaders, err := backing.NewRegion(numSlabs * headerBytesPerSlab)
	if err != nil {
		log.Fatalf("allocating header region: %s", err)
	}
	defer releaseHeaders()

	alloc, err := slabstore.New(slabstore.Config{
		HeaderMemory: headerMem,
		SlabMemory:   slabMem,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("constructing allocator: %s", err)
	}

	poolID, err := alloc.AddPool("demo", *poolBytesFlag, []uint32{64, 256, 1024, 4096}, false)
	if err != nil {
		log.Fatalf("adding pool: %s", err)
	}

	var live []uintptr
	for i := 0; i < *allocCountFlag; i++ {
		size := []uint32{64, 256, 1024, 4096}[i%4]
		ptr, ok, err := alloc.Allocate(poolID, size)
		if err != nil {
			log.Fatalf("allocating: %s", err)
		}
		if !ok {
			fmt.Printf("pool exhausted after %d allocations\n", i)
			break
		}
		live = append(live, ptr)
	}

	fmt.Printf("allocated %d objects in pool %d\n", len(live), poolID)

	for _, ptr := range live[:len(live)/2] {
		if err := alloc.Free(ptr); err != nil {
			log.Fatalf("freeing: %s", err)
		}
	}

	stats := alloc.Stats()
	fmt.Printf("slab allocator stats after freeing half: %+v\n", stats)

	for _, id := range alloc.GetPoolsOverLimit() {
		fmt.Printf("pool %d is over its target size\n", id)
	}
}
