package debuglog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/models"
)

func TestNewEntry(t *testing.T) {
	a := NewEntry("ws", SourceClient, "send", map[string]string{"thread": "t1"})
	b := NewEntry("ws", SourceClient, "send", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids = %q, %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if got := a.PayloadJSON(); got != `{"thread":"t1"}` {
		t.Errorf("PayloadJSON = %q", got)
	}
	if b.PayloadJSON() != "" {
		t.Error("nil payload should render empty")
	}
	raw := NewEntry("ws", SourceServer, "raw", json.RawMessage(`{"x":1}`))
	if raw.PayloadJSON() != `{"x":1}` {
		t.Errorf("raw payload = %q", raw.PayloadJSON())
	}
	bad := NewEntry("ws", SourceServer, "bad", make(chan int))
	if bad.PayloadJSON() != "" {
		t.Error("unencodable payload should render empty")
	}
}

func TestRecorderAndMulti(t *testing.T) {
	var r1, r2 Recorder
	sink := Multi(&r1, nil, &r2, Nop{})
	sink.Emit(NewEntry("ws", SourceClient, "start", nil))
	sink.Emit(NewEntry("ws", SourceServer, "event", nil))

	if len(r1.Entries()) != 2 || len(r2.Entries()) != 2 {
		t.Fatalf("entries = %d, %d", len(r1.Entries()), len(r2.Entries()))
	}
	if got := r1.Labels(SourceServer); len(got) != 1 || got[0] != "event" {
		t.Errorf("server labels = %v", got)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	sink.Emit(NewEntry("ws", SourceClient, "interrupt", map[string]string{"thread": "t1"}))

	out := buf.String()
	for _, want := range []string{`"message":"interrupt"`, `"source":"client"`, `"workspace":"ws"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %s", out, want)
		}
	}
}

func TestDBSink_FlushAndDrop(t *testing.T) {
	var written []models.DebugEntry
	sink := NewDBSink(DBSinkOpts{
		BufferSize: 2,
		Write: func(_ context.Context, batch []models.DebugEntry) error {
			written = append(written, batch...)
			return nil
		},
		Logger: zerolog.Nop(),
	})

	for _, label := range []string{"a", "b", "c"} {
		sink.Emit(NewEntry("ws", SourceClient, label, nil))
	}
	if sink.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sink.Dropped())
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(written) != 2 || written[0].Label != "a" || written[1].Source != "client" {
		t.Errorf("written = %+v", written)
	}

	// Buffer has room again after a flush.
	sink.Emit(NewEntry("ws", SourceClient, "d", nil))
	sink.Flush(context.Background())
	if len(written) != 3 {
		t.Errorf("written = %d, want 3", len(written))
	}
}

func TestDBSink_RunFinalFlush(t *testing.T) {
	done := make(chan []models.DebugEntry, 1)
	sink := NewDBSink(DBSinkOpts{
		Write: func(_ context.Context, batch []models.DebugEntry) error {
			done <- batch
			return nil
		},
	})
	sink.Emit(NewEntry("ws", SourceInternal, "connect", nil))

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		sink.Run(ctx, time.Hour)
		close(finished)
	}()
	cancel()

	select {
	case batch := <-done:
		if len(batch) != 1 || batch[0].Label != "connect" {
			t.Errorf("batch = %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("final flush did not happen")
	}
	<-finished
}

func TestDBSink_WriteErrorDoesNotPanic(t *testing.T) {
	sink := NewDBSink(DBSinkOpts{
		Write: func(context.Context, []models.DebugEntry) error { return errors.New("disk full") },
	})
	sink.Emit(NewEntry("ws", SourceClient, "x", nil))
	if err := sink.Flush(context.Background()); err == nil {
		t.Error("expected write error from Flush")
	}
}
