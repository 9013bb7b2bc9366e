package fakeredis

import (
	"strconv"
	"sync"
)

const numDBs = 16

type store struct {
	mu  sync.Mutex
	dbs [numDBs]map[string][]byte
}

func newStore() *store {
	st := &store{}
	st.flush()
	return st
}

func (st *store) get(db int, key string) ([]byte, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.dbs[db][key]
	return v, ok
}

func (st *store) set(db int, key string, value []byte) {
	st.mu.Lock()
	st.dbs[db][key] = append([]byte(nil), value...)
	st.mu.Unlock()
}

func (st *store) del(db int, key string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.dbs[db][key]
	delete(st.dbs[db], key)
	return ok
}

func (st *store) incr(db int, key string, by int64) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int64
	if v, ok := st.dbs[db][key]; ok {
		var err error
		if n, err = strconv.ParseInt(string(v), 10, 64); err != nil {
			return 0, errNotInteger
		}
	}
	n += by
	st.dbs[db][key] = strconv.AppendInt(nil, n, 10)
	return n, nil
}

func (st *store) size(db int) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.dbs[db])
}

func (st *store) flush() {
	st.mu.Lock()
	for i := range st.dbs {
		st.dbs[i] = make(map[string][]byte)
	}
	st.mu.Unlock()
}

type replyError string

func (e replyError) Error() string { return string(e) }

const errNotInteger = replyError("ERR value is not an integer or out of range")
