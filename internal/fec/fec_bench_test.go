package fec

import (
	"crypto/rand"
	"testing"
)

func BenchmarkFECEncode(b *testing.B) {
	k, r := 8, 2
	shardSize := 64 << 10
	dataShards := make([][]byte, k)
	for i := range dataShards {
		dataShards[i] = make([]byte, shardSize)
		rand.Read(dataShards[i])
	}
	encoder, err := NewEncoder(k, r)
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(k * shardSize))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := encoder.Encode(dataShards); err != nil {
			b.Fatal(err)
		}
	}
}
