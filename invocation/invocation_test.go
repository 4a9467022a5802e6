package invocation

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"highway-rpc/rpcerror"
	"highway-rpc/schema"
)

var echoSig = &schema.OperationSignature{ID: 1, Service: "echo", Name: "say", Arguments: []schema.Argument{{Name: "s", Type: "string"}}, Result: "string"}

func TestCompleteFirstWriterWins(t *testing.T) {
	inv := New(Consumer, echoSig, nil, []any{"hi"}, nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var resp *Response
			if i%2 == 0 {
				resp = Success("reply")
			} else {
				resp = Failure(rpcerror.Timeout("late"))
			}
			if inv.Complete(resp) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expect exactly one winner, got %d", wins.Load())
	}
	if !inv.Done() || inv.Result() == nil {
		t.Fatal("expect completed invocation")
	}
}

func TestFailureIsStructured(t *testing.T) {
	resp := Failure(errors.New("disk on fire"))
	if !resp.Failed() || resp.Code() != rpcerror.CodeInternal {
		t.Fatalf("expect INTERNAL failure, got %v", resp.Err)
	}
	if resp.Error().Message != "disk on fire" {
		t.Fatalf("unexpected message %q", resp.Error().Message)
	}
	if Success(1).Failed() || Success(1).Error() != nil {
		t.Fatal("success must not report an error")
	}
}

func TestDeadline(t *testing.T) {
	inv := New(Consumer, echoSig, nil, nil, nil)
	if inv.Remaining(time.Now()) != 0 || inv.Expired(time.Now()) {
		t.Fatal("no deadline expected by default")
	}
	inv.SetTimeout(time.Second)
	inv.SetTimeout(time.Hour) // never loosens
	if got := inv.Deadline.Sub(inv.Created); got != time.Second {
		t.Fatalf("expect 1s deadline, got %v", got)
	}
	if !inv.Expired(inv.Created.Add(2 * time.Second)) {
		t.Fatal("expect expiry after the deadline")
	}
}

func TestStageTrace(t *testing.T) {
	tr := NewStageTrace()
	tr.Begin(StageConsumerEncode)
	time.Sleep(time.Millisecond)
	tr.End(StageConsumerEncode)
	tr.End(StageWait) // never began

	if tr.Duration(StageConsumerEncode) < time.Millisecond {
		t.Fatalf("unexpected duration %v", tr.Duration(StageConsumerEncode))
	}
	s := tr.String()
	if !strings.HasPrefix(s, "total=") || !strings.Contains(s, "consumer-encode=") || strings.Contains(s, "wait=") {
		t.Fatalf("unexpected trace %q", s)
	}

	var nilTrace *StageTrace
	nilTrace.Begin(StageWait)
	if nilTrace.Duration(StageWait) != 0 {
		t.Fatal("nil trace must be inert")
	}
}
