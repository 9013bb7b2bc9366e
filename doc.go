/*
Package redismux multiplexes commands from any number of goroutines over a
few persistent connections to a Redis server or Redis Cluster.

Start by connecting to one or more seed addresses:

	mux, err := redismux.Connect(ctx, &redismux.Options{
		Addrs: []string{"localhost:6379"},
	})
	if err != nil { panic(err) }
	defer mux.Close()

Then send commands. Do waits for the reply:

	reply, err := mux.Do(ctx, "SET", "foo", "bar")

Send returns at once, so many commands can be pipelined:

	msg, _ := redismux.NewMessage("INCR", "counter")
	pending := mux.Send(ctx, msg)
	n, err := pending.Int64(ctx)

Every endpoint gets one interactive connection, shared by all callers, and
one subscription connection. Replies are matched to commands in the order
they were written. In a cluster each command is routed by the hash slot
of its keys and a MOVED or ASK reply is followed once.

Publications are delivered through the Subscriber:

	sub, err := mux.Subscriber().Subscribe(ctx, "news", func(pub *redismux.Publication) {
		fmt.Println(pub.Channel, string(pub.Payload))
	})

Subscriptions are sent again whenever their connection is restored.
*/
package redismux
