package command

var table = map[string]*Info{}

func add(info Info) {
	if info.Step == 0 && info.FirstKey > 0 {
		info.Step = 1
	}
	table[info.Name] = &info
}

func keyless(flags Flag, names ...string) {
	for _, name := range names {
		add(Info{Name: name, Flags: flags})
	}
}

func single(flags Flag, names ...string) {
	for _, name := range names {
		add(Info{Name: name, FirstKey: 1, LastKey: 1, Flags: flags})
	}
}

func allKeys(flags Flag, names ...string) {
	for _, name := range names {
		add(Info{Name: name, FirstKey: 1, LastKey: -1, Flags: flags})
	}
}

func init() {
	single(ReadOnly,
		"GET", "GETRANGE", "STRLEN", "SUBSTR", "GETBIT", "BITCOUNT", "BITPOS",
		"TYPE", "TTL", "PTTL", "EXPIRETIME", "PEXPIRETIME", "DUMP",
		"HGET", "HMGET", "HGETALL", "HKEYS", "HVALS", "HLEN", "HEXISTS", "HSTRLEN",
		"HRANDFIELD", "HSCAN",
		"LRANGE", "LINDEX", "LLEN", "LPOS",
		"SMEMBERS", "SISMEMBER", "SMISMEMBER", "SCARD", "SRANDMEMBER", "SSCAN",
		"ZRANGE", "ZRANGEBYSCORE", "ZREVRANGE", "ZREVRANGEBYSCORE", "ZRANGEBYLEX",
		"ZREVRANGEBYLEX", "ZRANK", "ZREVRANK", "ZSCORE", "ZMSCORE", "ZCARD", "ZCOUNT",
		"ZLEXCOUNT", "ZRANDMEMBER", "ZSCAN",
		"XRANGE", "XREVRANGE", "XLEN", "XPENDING", "XINFO",
		"GEOPOS", "GEODIST", "GEOHASH", "GEOSEARCH", "GEORADIUS_RO", "GEORADIUSBYMEMBER_RO",
		"OBJECT", "SORT_RO", "BITFIELD_RO", "LCS",
	)
	single(0,
		"SET", "SETNX", "SETEX", "PSETEX", "GETSET", "GETDEL", "GETEX", "APPEND",
		"SETRANGE", "SETBIT", "BITFIELD", "INCR", "INCRBY", "INCRBYFLOAT", "DECR", "DECRBY",
		"EXPIRE", "PEXPIRE", "EXPIREAT", "PEXPIREAT", "PERSIST", "RESTORE",
		"HSET", "HSETNX", "HMSET", "HDEL", "HINCRBY", "HINCRBYFLOAT",
		"LPUSH", "RPUSH", "LPUSHX", "RPUSHX", "LPOP", "RPOP", "LSET", "LREM", "LTRIM", "LINSERT",
		"SADD", "SREM", "SPOP",
		"ZADD", "ZINCRBY", "ZREM", "ZREMRANGEBYSCORE", "ZREMRANGEBYRANK", "ZREMRANGEBYLEX",
		"ZPOPMIN", "ZPOPMAX",
		"XADD", "XDEL", "XTRIM", "XACK", "XCLAIM", "XAUTOCLAIM", "XGROUP", "XSETID",
		"GEOADD", "GEORADIUS", "GEORADIUSBYMEMBER", "PFADD", "SORT",
	)
	allKeys(ReadOnly,
		"MGET", "SINTER", "SUNION", "SDIFF", "PFCOUNT", "TOUCH", "SINTERCARD",
	)
	allKeys(0, "DEL", "UNLINK", "PFMERGE", "SINTERSTORE", "SUNIONSTORE", "SDIFFSTORE")
	add(Info{Name: "EXISTS", FirstKey: 1, LastKey: -1, Flags: ReadOnly})
	add(Info{Name: "MSET", FirstKey: 1, LastKey: -1, Step: 2})
	add(Info{Name: "MSETNX", FirstKey: 1, LastKey: -1, Step: 2})
	add(Info{Name: "RENAME", FirstKey: 1, LastKey: 2})
	add(Info{Name: "RENAMENX", FirstKey: 1, LastKey: 2})
	add(Info{Name: "COPY", FirstKey: 1, LastKey: 2})
	add(Info{Name: "SMOVE", FirstKey: 1, LastKey: 2})
	add(Info{Name: "RPOPLPUSH", FirstKey: 1, LastKey: 2})
	add(Info{Name: "LMOVE", FirstKey: 1, LastKey: 2})
	add(Info{Name: "GEOSEARCHSTORE", FirstKey: 1, LastKey: 2})
	add(Info{Name: "ZRANGESTORE", FirstKey: 1, LastKey: 2})
	add(Info{Name: "BLMOVE", FirstKey: 1, LastKey: 2, Flags: Blocking})
	add(Info{Name: "BRPOPLPUSH", FirstKey: 1, LastKey: 2, Flags: Blocking})
	add(Info{Name: "BLPOP", FirstKey: 1, LastKey: -2, Flags: Blocking})
	add(Info{Name: "BRPOP", FirstKey: 1, LastKey: -2, Flags: Blocking})
	add(Info{Name: "BZPOPMIN", FirstKey: 1, LastKey: -2, Flags: Blocking})
	add(Info{Name: "BZPOPMAX", FirstKey: 1, LastKey: -2, Flags: Blocking})

	add(Info{Name: "ZUNIONSTORE", FirstKey: 1, LastKey: 1, NumKeys: 2})
	add(Info{Name: "ZINTERSTORE", FirstKey: 1, LastKey: 1, NumKeys: 2})
	add(Info{Name: "ZDIFFSTORE", FirstKey: 1, LastKey: 1, NumKeys: 2})
	add(Info{Name: "ZUNION", NumKeys: 1, Flags: ReadOnly})
	add(Info{Name: "ZINTER", NumKeys: 1, Flags: ReadOnly})
	add(Info{Name: "ZDIFF", NumKeys: 1, Flags: ReadOnly})
	add(Info{Name: "ZINTERCARD", NumKeys: 1, Flags: ReadOnly})
	add(Info{Name: "LMPOP", NumKeys: 1})
	add(Info{Name: "ZMPOP", NumKeys: 1})
	add(Info{Name: "BLMPOP", NumKeys: 2, Flags: Blocking})
	add(Info{Name: "BZMPOP", NumKeys: 2, Flags: Blocking})
	add(Info{Name: "EVAL", NumKeys: 2})
	add(Info{Name: "EVALSHA", NumKeys: 2})
	add(Info{Name: "EVAL_RO", NumKeys: 2, Flags: ReadOnly})
	add(Info{Name: "EVALSHA_RO", NumKeys: 2, Flags: ReadOnly})
	add(Info{Name: "FCALL", NumKeys: 2})
	add(Info{Name: "FCALL_RO", NumKeys: 2, Flags: ReadOnly})

	add(Info{Name: "XREAD", Keyword: "STREAMS", Flags: ReadOnly | Blocking})
	add(Info{Name: "XREADGROUP", Keyword: "STREAMS", Flags: Blocking})

	// Channels hash like keys so that publishers and subscribers of one
	// channel meet on the same node.
	add(Info{Name: "PUBLISH", FirstKey: 1, LastKey: 1})
	add(Info{Name: "SPUBLISH", FirstKey: 1, LastKey: 1})
	add(Info{Name: "SUBSCRIBE", FirstKey: 1, LastKey: -1, Flags: PubSub, Replies: ReplyPerArg})
	add(Info{Name: "PSUBSCRIBE", FirstKey: 1, LastKey: -1, Flags: PubSub, Replies: ReplyPerArg})
	add(Info{Name: "SSUBSCRIBE", FirstKey: 1, LastKey: -1, Flags: PubSub, Replies: ReplyPerArg})
	add(Info{Name: "UNSUBSCRIBE", FirstKey: 1, LastKey: -1, Flags: PubSub, Replies: ReplyPerActive})
	add(Info{Name: "PUNSUBSCRIBE", FirstKey: 1, LastKey: -1, Flags: PubSub, Replies: ReplyPerActive})
	add(Info{Name: "SUNSUBSCRIBE", FirstKey: 1, LastKey: -1, Flags: PubSub, Replies: ReplyPerActive})

	keyless(ReadOnly,
		"PING", "ECHO", "TIME", "DBSIZE", "RANDOMKEY", "SCAN", "KEYS", "LASTSAVE",
		"PUBSUB", "ROLE", "LOLWUT",
	)
	keyless(Admin,
		"INFO", "CONFIG", "CLIENT", "CLUSTER", "COMMAND", "DEBUG", "FLUSHALL", "FLUSHDB",
		"SAVE", "BGSAVE", "BGREWRITEAOF", "SHUTDOWN", "SLOWLOG", "MEMORY", "LATENCY",
		"ACL", "SCRIPT", "FUNCTION", "MODULE", "REPLICAOF", "SLAVEOF", "FAILOVER",
		"SWAPDB", "WAIT", "WAITAOF",
	)
	keyless(Unsupported, "MONITOR", "SYNC", "PSYNC")

	// Connection state is owned by the multiplexer. SELECT, ASKING and
	// READONLY are issued internally and never taken from callers.
	keyless(Unsupported,
		"AUTH", "HELLO", "SELECT", "ASKING", "READONLY", "READWRITE", "QUIT", "RESET",
		"MULTI", "EXEC", "DISCARD", "WATCH", "UNWATCH",
	)
}
