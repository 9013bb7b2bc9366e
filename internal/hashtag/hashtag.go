package hashtag

import "strings"

// SlotCount is the number of hash slots in a Redis Cluster.
const SlotCount = 16384

// Key returns the part of key that is hashed to pick a slot: the bytes
// between the first '{' and the next '}' when that span is non-empty,
// otherwise the whole key.
func Key(key string) string {
	if s := strings.IndexByte(key, '{'); s > -1 {
		if e := strings.IndexByte(key[s+1:], '}'); e > 0 {
			return key[s+1 : s+e+1]
		}
	}
	return key
}

// Present reports whether key carries a non-empty hash tag.
func Present(key string) bool {
	if s := strings.IndexByte(key, '{'); s > -1 {
		return strings.IndexByte(key[s+1:], '}') > 0
	}
	return false
}

// Slot returns a consistent slot number between 0 and 16383
// for any given string key.
func Slot(key string) int {
	if key == "" {
		return 0
	}
	key = Key(key)
	return int(crc16sum(key)) % SlotCount
}

// SlotBytes is Slot for binary keys.
func SlotBytes(key []byte) int {
	return Slot(string(key))
}
