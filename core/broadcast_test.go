package core

import (
	"testing"
	"time"
)

func TestBroadcastBusPublishAndPumpTxDeliversFrames(t *testing.T) {
	bus := NewBroadcastBus(64, 3, time.Hour)
	var id PeerID
	id[0] = 1
	conn := testConn(t, id, Tip{})

	bus.PublishTx([]byte("tx-one"))
	bus.PublishTx([]byte("tx-two"))

	var got [][]byte
	send := func(frame []byte) WriteResult {
		got = append(got, append([]byte(nil), frame...))
		return WriteOK
	}
	bus.PumpTx(conn, send)

	if len(got) != 2 || string(got[0]) != "tx-one" || string(got[1]) != "tx-two" {
		t.Fatalf("PumpTx delivered %v, want [tx-one tx-two]", got)
	}

	// A second pump with nothing new published delivers nothing further.
	got = nil
	bus.PumpTx(conn, send)
	if len(got) != 0 {
		t.Fatalf("PumpTx re-delivered already-drained frames: %v", got)
	}
}

func TestBroadcastBusPumpStopsWhenChoking(t *testing.T) {
	bus := NewBroadcastBus(64, 3, time.Hour)
	var id PeerID
	id[0] = 2
	conn := testConn(t, id, Tip{})
	conn.choking = true

	bus.PublishTx([]byte("tx"))

	calls := 0
	bus.PumpTx(conn, func(frame []byte) WriteResult { calls++; return WriteOK })

	if calls != 0 {
		t.Fatalf("PumpTx should not deliver anything while the connection is chocking, got %d calls", calls)
	}
}

func TestBroadcastBusPublishBBSIsPerChannel(t *testing.T) {
	bus := NewBroadcastBus(64, 3, time.Hour)
	var id PeerID
	id[0] = 3
	conn := testConn(t, id, Tip{})

	bus.PublishBBS(1, []byte("chan-one"))
	bus.PublishBBS(2, []byte("chan-two"))

	var chan1, chan2 [][]byte
	bus.PumpBBS(conn, 1, func(frame []byte) WriteResult {
		chan1 = append(chan1, frame)
		return WriteOK
	})
	bus.PumpBBS(conn, 2, func(frame []byte) WriteResult {
		chan2 = append(chan2, frame)
		return WriteOK
	})

	if len(chan1) != 1 || string(chan1[0]) != "chan-one" {
		t.Fatalf("channel 1 delivered %v, want [chan-one]", chan1)
	}
	if len(chan2) != 1 || string(chan2[0]) != "chan-two" {
		t.Fatalf("channel 2 delivered %v, want [chan-two]", chan2)
	}
}

func TestBroadcastBusResetCursorsReplaysFromStart(t *testing.T) {
	bus := NewBroadcastBus(64, 3, time.Hour)
	var id PeerID
	id[0] = 4
	conn := testConn(t, id, Tip{})

	bus.PublishTx([]byte("first"))
	var got [][]byte
	send := func(frame []byte) WriteResult {
		got = append(got, frame)
		return WriteOK
	}
	bus.PumpTx(conn, send)
	if len(got) != 1 {
		t.Fatalf("setup: expected the first pump to deliver one frame")
	}

	bus.ResetCursors(conn.ID())
	got = nil
	bus.PumpTx(conn, send)
	if len(got) != 1 || string(got[0]) != "first" {
		t.Fatalf("after ResetCursors, pump should replay from the oldest entry, got %v", got)
	}
}

func TestBroadcastBusRecordHopFluffsAfterStemHops(t *testing.T) {
	bus := NewBroadcastBus(64, 2, time.Hour)
	var txID WantedKey
	txID[0] = 5

	bus.EnqueueTx(txID)
	if phase, ok := bus.Phase(txID); !ok || phase != phaseStem {
		t.Fatalf("a freshly enqueued tx should start in stem phase")
	}

	bus.RecordHop(txID)
	if phase, _ := bus.Phase(txID); phase != phaseStem {
		t.Fatalf("one hop (of 2) should not yet fluff the tx")
	}

	bus.RecordHop(txID)
	if phase, _ := bus.Phase(txID); phase != phaseFluff {
		t.Fatalf("reaching the stem hop limit should fluff the tx")
	}
}

func TestBroadcastBusAdvancePhaseIsIdempotent(t *testing.T) {
	bus := NewBroadcastBus(64, 10, time.Hour)
	var txID WantedKey
	txID[0] = 6
	bus.EnqueueTx(txID)

	bus.AdvancePhase(txID, []byte("frame"))
	bus.AdvancePhase(txID, []byte("frame-again"))

	var id PeerID
	id[0] = 7
	conn := testConn(t, id, Tip{})
	var got [][]byte
	bus.PumpTx(conn, func(frame []byte) WriteResult {
		got = append(got, frame)
		return WriteOK
	})
	if len(got) != 1 {
		t.Fatalf("AdvancePhase called twice should only append to the ring once, got %d frames", len(got))
	}
}
