package kvcache

import (
	"strconv"

	"github.com/minio/highwayhash"
)

// digestSeed keys the HighwayHash used for derived cache keys. It's
// fixed so digests are stable across instances and restarts.
var digestSeed = []byte("drive-collector-kv-digest-key-32")

// DigestKey hashes |parts| into a short stable token suitable for use
// inside a KV key, such as the duplicate-transfer index entry derived
// from (user, file name, file size). Parts are length-delimited so
// ("ab","c") and ("a","bc") can't collide.
func DigestKey(parts ...string) string {
	var h, err = highwayhash.New64(digestSeed)
	if err != nil {
		panic(err) // Seed length is fixed at 32 bytes.
	}
	for _, p := range parts {
		_, _ = h.Write([]byte(strconv.Itoa(len(p))))
		_, _ = h.Write([]byte(p))
	}
	return strconv.FormatUint(h.Sum64(), 36)
}
