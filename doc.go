/*
Package handoff runs multi-stream double-buffered pipelines: a producer
fills stream slots while workers compute the slots the producer is done
with.

Concept

The pipeline consists of a fixed set of stream slots and three kinds of
agents:

    Orchestrator - arms slots one iteration at a time;
    Peer - reads results from armed slots and writes new input to them;
    Worker - computes the slot of its stream with the kernel.

Iteration i is always served by stream i mod N. Ownership of a slot is
handed over with flags:

    Read|Write - slot is armed and belongs to the peer;
    Ready - slot belongs to the worker;
    none - slot is free.

Orchestrator doesn't advance to the next iteration until its slot is free.
This allows the peer to fill one slot while workers compute the others.
Without a peer, the orchestrator hands slots to workers directly and every
stream computes on results of its previous iteration.

Execution

Pipeline is created with a kernel and options:

    p, err := handoff.New(streams, vectorSize, iterations, kernel.Scale{Factor: 2},
        handoff.WithEmulator(&peer.Emulator{}),
    )

Async allocates buffers and starts all agents, each in its own goroutine:

    a, err := p.Async(ctx)
    report, err := a.Await()

Await returns when all iterations are done or the first error occurs.
Failures of agents are returned as *RunError naming the stream and
iteration where execution failed. Every wait is bounded by a budget, so a
stuck agent results in handshake.ErrSyncTimeout rather than a hang.
*/
package handoff
